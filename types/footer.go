package types

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DBFooterMagic identifies a trailing DBFooter appended to the main database
// file (spec §3 "LibsqlFooter").
const DBFooterMagic uint64 = 0x5745524f434f5246 // "WCOREFOO"-ish ascii tag

// DBFooterSize is the fixed on-disk size of DBFooter.
const DBFooterSize = 40

// DBFooter is an optional trailer on the main database file recording the
// replication position last checkpointed into it, so a fresh process can
// reconstruct the committed replication position on startup without a tail
// (spec §3).
type DBFooter struct {
	Magic            uint64
	ReplicationIndex uint64
	LogID            LogID
	Checksum         uint64
}

func (f DBFooter) computeChecksum() uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], f.ReplicationIndex)
	copy(buf[8:24], f.LogID[:])
	return xxhash.Sum64(buf[:])
}

// Seal recomputes Checksum.
func (f *DBFooter) Seal() {
	f.Checksum = f.computeChecksum()
}

// Validate checks the magic number and checksum.
func (f DBFooter) Validate() error {
	if f.Magic != DBFooterMagic {
		return fmt.Errorf("%w: bad db footer magic", ErrInvalidHeader)
	}
	if f.computeChecksum() != f.Checksum {
		return fmt.Errorf("%w: db footer checksum mismatch", ErrChecksumMismatch)
	}
	return nil
}

// Encode serializes the footer into buf, which must be at least
// DBFooterSize bytes.
func (f DBFooter) Encode(buf []byte) {
	_ = buf[:DBFooterSize]
	binary.LittleEndian.PutUint64(buf[0:8], f.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], f.ReplicationIndex)
	copy(buf[16:32], f.LogID[:])
	binary.LittleEndian.PutUint64(buf[32:40], f.Checksum)
}

// DecodeDBFooter parses a DBFooter from buf.
func DecodeDBFooter(buf []byte) (DBFooter, error) {
	if len(buf) < DBFooterSize {
		return DBFooter{}, fmt.Errorf("%w: short db footer (%d bytes)", ErrCorrupt, len(buf))
	}
	var f DBFooter
	f.Magic = binary.LittleEndian.Uint64(buf[0:8])
	f.ReplicationIndex = binary.LittleEndian.Uint64(buf[8:16])
	copy(f.LogID[:], buf[16:32])
	f.Checksum = binary.LittleEndian.Uint64(buf[32:40])
	return f, nil
}

// FooterOffset returns the byte offset of the DBFooter within a main
// database file of the given length: file_len - sizeof(DBFooter), which
// spec §6 requires to land on a PageSize boundary.
func FooterOffset(fileLen int64) int64 {
	return fileLen - DBFooterSize
}

// FooterOffsetValid reports whether offset lands on the PageSize boundary
// spec §6 requires for a footer to be considered present and trustworthy.
func FooterOffsetValid(offset int64) bool {
	return offset > 0 && offset%PageSize == 0
}
