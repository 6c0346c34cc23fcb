package sim

import "fmt"

// QnicType distinguishes the three kinds of network interface a node carries.
type QnicType int

const (
	QnicEmitter QnicType = iota
	QnicReceiver
	QnicReceiverPassive
)

func (t QnicType) String() string {
	switch t {
	case QnicReceiver:
		return "QNIC_R"
	case QnicReceiverPassive:
		return "QNIC_RP"
	default:
		return "QNIC_E"
	}
}

// QubitRecord tracks one stationary qubit's inventory state. busy marks a
// qubit committed to an in-flight protocol attempt; allocated marks a qubit
// bound to a RuleSet runtime. Flag writers are QNicStore (busy),
// RuntimeFacade (allocated), and the release paths of Runtime and
// RuleEngine, which clear both.
type QubitRecord struct {
	QnicType   QnicType
	QnicIndex  int
	QubitIndex int

	busy      bool
	allocated bool
}

// Busy reports whether the qubit is committed to a protocol attempt.
func (r *QubitRecord) Busy() bool { return r.busy }

// Allocated reports whether a runtime has bound this qubit.
func (r *QubitRecord) Allocated() bool { return r.allocated }

// Handle returns the backend handle addressing this qubit.
func (r *QubitRecord) Handle(nodeAddr int) QubitHandle {
	return QubitHandle{
		NodeID:     nodeAddr,
		QnicIndex:  r.QnicIndex,
		QnicType:   int(r.QnicType),
		QubitIndex: r.QubitIndex,
	}
}

func (r *QubitRecord) String() string {
	return fmt.Sprintf("%s[%d]:%d", r.QnicType, r.QnicIndex, r.QubitIndex)
}

// QNicStore is the per-node inventory of stationary-qubit records, keyed by
// (interface kind, interface index, qubit index).
type QNicStore struct {
	nodeAddr int
	records  map[QnicType][][]*QubitRecord
	logger   Logger
}

// NewQNicStore builds records for counts[kind] interfaces of each kind, with
// qubitsPerQnic qubits each.
func NewQNicStore(nodeAddr int, counts map[QnicType]int, qubitsPerQnic int, logger Logger) *QNicStore {
	if logger == nil {
		logger = DisabledLogger{}
	}
	store := &QNicStore{
		nodeAddr: nodeAddr,
		records:  make(map[QnicType][][]*QubitRecord),
		logger:   logger,
	}
	for qnicType, n := range counts {
		qnics := make([][]*QubitRecord, n)
		for i := 0; i < n; i++ {
			qubits := make([]*QubitRecord, qubitsPerQnic)
			for j := 0; j < qubitsPerQnic; j++ {
				qubits[j] = &QubitRecord{QnicType: qnicType, QnicIndex: i, QubitIndex: j}
			}
			qnics[i] = qubits
		}
		store.records[qnicType] = qnics
	}
	return store
}

// CountNumFreeQubits returns how many qubits on the interface are not busy.
func (s *QNicStore) CountNumFreeQubits(qnicType QnicType, qnicIndex int) int {
	free := 0
	for _, record := range s.qubits(qnicType, qnicIndex) {
		if !record.busy {
			free++
		}
	}
	return free
}

// TakeFreeQubitIndex picks the lowest-indexed non-busy qubit, marks it busy,
// and returns its index. Returns -1 when none is free.
func (s *QNicStore) TakeFreeQubitIndex(qnicType QnicType, qnicIndex int) int {
	for _, record := range s.qubits(qnicType, qnicIndex) {
		if !record.busy {
			s.setBusy(record, true)
			return record.QubitIndex
		}
	}
	return -1
}

// SetQubitBusy marks the qubit busy or free.
func (s *QNicStore) SetQubitBusy(qnicType QnicType, qnicIndex, qubitIndex int, busy bool) error {
	record, err := s.GetQubitRecord(qnicType, qnicIndex, qubitIndex)
	if err != nil {
		return err
	}
	s.setBusy(record, busy)
	return nil
}

// GetQubitRecord looks up a record or fails.
func (s *QNicStore) GetQubitRecord(qnicType QnicType, qnicIndex, qubitIndex int) (*QubitRecord, error) {
	qubits := s.qubits(qnicType, qnicIndex)
	if qubitIndex < 0 || qubitIndex >= len(qubits) {
		return nil, fmt.Errorf("no qubit record at %s[%d]:%d", qnicType, qnicIndex, qubitIndex)
	}
	return qubits[qubitIndex], nil
}

// EachInterface visits every (kind, index) pair the store was built with.
func (s *QNicStore) EachInterface(fn func(qnicType QnicType, qnicIndex int)) {
	for _, qnicType := range []QnicType{QnicEmitter, QnicReceiver, QnicReceiverPassive} {
		for i := range s.records[qnicType] {
			fn(qnicType, i)
		}
	}
}

func (s *QNicStore) qubits(qnicType QnicType, qnicIndex int) []*QubitRecord {
	qnics := s.records[qnicType]
	if qnicIndex < 0 || qnicIndex >= len(qnics) {
		return nil
	}
	return qnics[qnicIndex]
}

func (s *QNicStore) setBusy(record *QubitRecord, busy bool) {
	record.busy = busy
	s.logger.LogQubitState(record.QnicType, record.QnicIndex, record.QubitIndex, record.busy, record.allocated)
}
