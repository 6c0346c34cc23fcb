package sim

// BellPairStore indexes locally-held qubits by the partner node they are
// believed to be entangled with. A record appears under at most one partner
// at a time.
type BellPairStore struct {
	pairs  map[int][]*QubitRecord
	logger Logger
}

// NewBellPairStore creates an empty store.
func NewBellPairStore(logger Logger) *BellPairStore {
	if logger == nil {
		logger = DisabledLogger{}
	}
	return &BellPairStore{pairs: make(map[int][]*QubitRecord), logger: logger}
}

// InsertEntangledQubit records that record is entangled with partnerAddr.
// Any previous partner entry for the same record is removed first.
func (s *BellPairStore) InsertEntangledQubit(partnerAddr int, record *QubitRecord) {
	s.EraseQubit(record)
	s.pairs[partnerAddr] = append(s.pairs[partnerAddr], record)
	s.logger.LogBellPairInfo("Generated", partnerAddr, record.QnicType, record.QnicIndex, record.QubitIndex)
}

// GetBellPairsRange returns the records entangled with partnerAddr that live
// on the given interface. The returned slice is freshly built; callers may
// not mutate store state through it.
func (s *BellPairStore) GetBellPairsRange(qnicType QnicType, qnicIndex, partnerAddr int) []*QubitRecord {
	var out []*QubitRecord
	for _, record := range s.pairs[partnerAddr] {
		if record.QnicType == qnicType && record.QnicIndex == qnicIndex {
			out = append(out, record)
		}
	}
	return out
}

// EraseQubit removes the record from whichever partner list holds it.
// Erasing an absent record is a no-op.
func (s *BellPairStore) EraseQubit(record *QubitRecord) {
	for partner, records := range s.pairs {
		for i, held := range records {
			if held == record {
				s.pairs[partner] = append(records[:i], records[i+1:]...)
				s.logger.LogBellPairInfo("Consumed", partner, record.QnicType, record.QnicIndex, record.QubitIndex)
				return
			}
		}
	}
}

// PartnerCount returns how many partners currently hold at least one pair.
func (s *BellPairStore) PartnerCount() int {
	n := 0
	for _, records := range s.pairs {
		if len(records) > 0 {
			n++
		}
	}
	return n
}

// PairCount returns the number of pairs held for partnerAddr.
func (s *BellPairStore) PairCount(partnerAddr int) int {
	return len(s.pairs[partnerAddr])
}
