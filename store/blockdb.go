package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/solacechain/konsensus/types"
)

// BlockDatabaseVersion is the version header written by ExportBlockDatabase
// (spec.md §6: "Version header: ... currently 3").
const BlockDatabaseVersion = 3

// BlockDatabaseSection is one exported section: a contiguous run of
// versioned blocks (in strictly ascending height) sharing a genesis index,
// plus the finalization records that accompany them.
type BlockDatabaseSection struct {
	GenesisIndex     uint32
	ProtocolVersion  uint64
	GenesisBlockHash types.BlockHash
	FirstBlockHeight uint64

	// Blocks holds already-encoded versioned-block bytes, in ascending
	// height order; the database format is agnostic to the block encoding
	// itself, only to the length-prefixed framing around it.
	Blocks        [][]byte
	Finalizations [][]byte
}

func writeVarint(w io.Writer, v uint64) error {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
			continue
		}
		buf = append(buf, b)
		break
	}
	_, err := w.Write(buf)
	return err
}

func readVarint(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		result |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// ExportBlockDatabase writes the version header followed by sections, in
// the exact byte layout of spec.md §6. Sections must already be ordered by
// strictly non-decreasing genesis index; callers (catchup producers, node
// operators running an export) are responsible for that ordering.
func ExportBlockDatabase(w io.Writer, sections []BlockDatabaseSection) error {
	if err := writeVarint(w, BlockDatabaseVersion); err != nil {
		return err
	}
	for _, sec := range sections {
		if err := writeSection(w, sec); err != nil {
			return err
		}
	}
	return nil
}

func writeSection(w io.Writer, sec BlockDatabaseSection) error {
	var blockRegion bytes.Buffer
	for _, b := range sec.Blocks {
		if err := binary.Write(&blockRegion, binary.BigEndian, uint64(len(b))); err != nil {
			return err
		}
		blockRegion.Write(b)
	}
	var finalRegion bytes.Buffer
	for _, f := range sec.Finalizations {
		if err := binary.Write(&finalRegion, binary.BigEndian, uint64(len(f))); err != nil {
			return err
		}
		finalRegion.Write(f)
	}

	const fixedHeaderLen = 8 + 4 + 8 + 32 + 8 + 8 + 8 + 8 // sectionLength..finalizationCount
	sectionLength := uint64(fixedHeaderLen + blockRegion.Len() + finalRegion.Len())

	var header bytes.Buffer
	binary.Write(&header, binary.BigEndian, sectionLength)
	binary.Write(&header, binary.BigEndian, sec.GenesisIndex)
	binary.Write(&header, binary.BigEndian, sec.ProtocolVersion)
	header.Write(sec.GenesisBlockHash[:])
	binary.Write(&header, binary.BigEndian, sec.FirstBlockHeight)
	binary.Write(&header, binary.BigEndian, uint64(len(sec.Blocks)))
	binary.Write(&header, binary.BigEndian, uint64(blockRegion.Len()))
	binary.Write(&header, binary.BigEndian, uint64(len(sec.Finalizations)))

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(blockRegion.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(finalRegion.Bytes())
	return err
}

// ImportBlockDatabase reads the version header followed by sections until
// EOF, the inverse of ExportBlockDatabase. The round-trip law in spec.md §8
// ("Serialization of a section followed by deserialization yields the same
// blocks and finalization records in order") is what this function exists
// to satisfy.
func ImportBlockDatabase(r io.Reader) ([]BlockDatabaseSection, error) {
	version, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("read version header: %w", err)
	}
	if version != BlockDatabaseVersion {
		return nil, fmt.Errorf("unsupported block database version %d", version)
	}

	var sections []BlockDatabaseSection
	for {
		sec, err := readSection(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

func readSection(r io.Reader) (BlockDatabaseSection, error) {
	var sectionLength uint64
	if err := binary.Read(r, binary.BigEndian, &sectionLength); err != nil {
		return BlockDatabaseSection{}, err
	}

	var sec BlockDatabaseSection
	if err := binary.Read(r, binary.BigEndian, &sec.GenesisIndex); err != nil {
		return sec, err
	}
	if err := binary.Read(r, binary.BigEndian, &sec.ProtocolVersion); err != nil {
		return sec, err
	}
	if _, err := io.ReadFull(r, sec.GenesisBlockHash[:]); err != nil {
		return sec, err
	}
	if err := binary.Read(r, binary.BigEndian, &sec.FirstBlockHeight); err != nil {
		return sec, err
	}
	var blockCount, blocksLength, finalizationCount uint64
	if err := binary.Read(r, binary.BigEndian, &blockCount); err != nil {
		return sec, err
	}
	if err := binary.Read(r, binary.BigEndian, &blocksLength); err != nil {
		return sec, err
	}
	if err := binary.Read(r, binary.BigEndian, &finalizationCount); err != nil {
		return sec, err
	}

	blockRegion := io.LimitReader(r, int64(blocksLength))
	sec.Blocks = make([][]byte, 0, blockCount)
	for i := uint64(0); i < blockCount; i++ {
		var l uint64
		if err := binary.Read(blockRegion, binary.BigEndian, &l); err != nil {
			return sec, fmt.Errorf("read block %d length: %w", i, err)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(blockRegion, buf); err != nil {
			return sec, fmt.Errorf("read block %d body: %w", i, err)
		}
		sec.Blocks = append(sec.Blocks, buf)
	}

	sec.Finalizations = make([][]byte, 0, finalizationCount)
	for i := uint64(0); i < finalizationCount; i++ {
		var l uint64
		if err := binary.Read(r, binary.BigEndian, &l); err != nil {
			return sec, fmt.Errorf("read finalization %d length: %w", i, err)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return sec, fmt.Errorf("read finalization %d body: %w", i, err)
		}
		sec.Finalizations = append(sec.Finalizations, buf)
	}

	return sec, nil
}
