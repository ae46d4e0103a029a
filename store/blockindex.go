package store

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/solacechain/konsensus/types"
)

// BlockIndexEntry is one chunk line of blocks.idx: the exported file that
// holds the chunk, and the genesis index / height range it covers.
type BlockIndexEntry struct {
	Filename     string
	GenesisIndex uint32
	FirstHeight  uint64
	LastHeight   uint64
}

// BlockIndexSection groups the chunk entries that share a genesis hash
// (spec.md §6: "sections delimited by `# genesis hash <hex>` headers").
type BlockIndexSection struct {
	GenesisHash types.BlockHash
	Entries     []BlockIndexEntry
}

// WriteBlockIndex writes blocks.idx in the line-oriented text format.
func WriteBlockIndex(w io.Writer, sections []BlockIndexSection) error {
	bw := bufio.NewWriter(w)
	for _, sec := range sections {
		if _, err := fmt.Fprintf(bw, "# genesis hash %s\n", hex.EncodeToString(sec.GenesisHash[:])); err != nil {
			return err
		}
		for _, e := range sec.Entries {
			if _, err := fmt.Fprintf(bw, "%s,%d,%d,%d\n", e.Filename, e.GenesisIndex, e.FirstHeight, e.LastHeight); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadBlockIndex parses blocks.idx, merging consecutive sections that share
// a genesis hash (spec.md §6: "Consecutive sections sharing a genesis hash
// are merged on read").
func ReadBlockIndex(r io.Reader) ([]BlockIndexSection, error) {
	scanner := bufio.NewScanner(r)
	var sections []BlockIndexSection
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# genesis hash ") {
			hexHash := strings.TrimPrefix(line, "# genesis hash ")
			raw, err := hex.DecodeString(hexHash)
			if err != nil {
				return nil, fmt.Errorf("parse genesis hash %q: %w", hexHash, err)
			}
			hash := types.BlockHashFromBytes(raw)
			if n := len(sections); n > 0 && sections[n-1].GenesisHash == hash {
				continue // merge into the previous section of the same hash
			}
			sections = append(sections, BlockIndexSection{GenesisHash: hash})
			continue
		}
		if len(sections) == 0 {
			return nil, fmt.Errorf("chunk line before any genesis hash header: %q", line)
		}
		entry, err := parseChunkLine(line)
		if err != nil {
			return nil, err
		}
		last := &sections[len(sections)-1]
		last.Entries = append(last.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func parseChunkLine(line string) (BlockIndexEntry, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return BlockIndexEntry{}, fmt.Errorf("malformed chunk line %q", line)
	}
	genesisIndex, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return BlockIndexEntry{}, fmt.Errorf("chunk line %q: %w", line, err)
	}
	firstHeight, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return BlockIndexEntry{}, fmt.Errorf("chunk line %q: %w", line, err)
	}
	lastHeight, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return BlockIndexEntry{}, fmt.Errorf("chunk line %q: %w", line, err)
	}
	return BlockIndexEntry{
		Filename:     parts[0],
		GenesisIndex: uint32(genesisIndex),
		FirstHeight:  firstHeight,
		LastHeight:   lastHeight,
	}, nil
}
