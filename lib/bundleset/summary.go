package bundleset

import (
	"encoding/binary"
	"errors"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

const (
	// MaxSummaryBits bounds the filter size accepted from a neighbor.
	MaxSummaryBits = 1 << 27
	// MaxSummaryHashes bounds the hash function count accepted from a neighbor.
	MaxSummaryHashes = 64

	summaryHeaderSize = 24
)

// ErrInvalidSummary reports an encoded summary vector that cannot be decoded.
var ErrInvalidSummary = errors.New("invalid summary vector")

// Summary is a bloom filter summary vector as exchanged between neighbors.
// Has may report false positives but never false negatives for IDs that were
// present when the summary was built.
type Summary struct {
	filter *bloom.BloomFilter
}

// NewSummary creates an empty summary sized for capacity entries.
func NewSummary(capacity uint, fpRate float64) *Summary {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Summary{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

// ParseSummary decodes a summary produced by Bytes.
func ParseSummary(data []byte) (*Summary, error) {
	if err := checkSummaryHeader(data); err != nil {
		return nil, err
	}
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, oops.In("bundleset").Wrapf(ErrInvalidSummary, "decode summary vector: %v", err)
	}
	return &Summary{filter: f}, nil
}

// checkSummaryHeader validates the filter header against the received data
// before the decoder sizes its bit set from it. The encoding is the bit
// count m, the hash count k, the bit set length and the bit set words, all
// big endian uint64.
func checkSummaryHeader(data []byte) error {
	if len(data) < summaryHeaderSize {
		return oops.In("bundleset").With("length", len(data)).Wrapf(ErrInvalidSummary, "short summary vector")
	}
	m := binary.BigEndian.Uint64(data[0:8])
	k := binary.BigEndian.Uint64(data[8:16])
	bits := binary.BigEndian.Uint64(data[16:24])
	errb := oops.In("bundleset").With("bits", m).With("hashes", k).With("length", len(data))
	switch {
	case m == 0 || m > MaxSummaryBits:
		return errb.Wrapf(ErrInvalidSummary, "summary vector size out of range")
	case k == 0 || k > MaxSummaryHashes:
		return errb.Wrapf(ErrInvalidSummary, "summary vector hash count out of range")
	case bits != m:
		return errb.Wrapf(ErrInvalidSummary, "summary vector bit set length mismatch")
	}
	words := (bits + 63) / 64
	if uint64(len(data)-summaryHeaderSize) != words*8 {
		return errb.Wrapf(ErrInvalidSummary, "summary vector truncated")
	}
	return nil
}

// Add inserts id.
func (s *Summary) Add(id bundle.ID) {
	s.filter.Add(id.Bytes())
}

// Has tests id against the filter.
func (s *Summary) Has(id bundle.ID) bool {
	if s == nil || s.filter == nil {
		return false
	}
	return s.filter.Test(id.Bytes())
}

// Bytes encodes the filter.
func (s *Summary) Bytes() ([]byte, error) {
	data, err := s.filter.MarshalBinary()
	if err != nil {
		return nil, oops.In("bundleset").Wrapf(err, "encode summary vector")
	}
	return data, nil
}

// ApproximatedSize estimates the number of distinct IDs in the filter.
func (s *Summary) ApproximatedSize() uint32 {
	return s.filter.ApproximatedSize()
}
