package store

import (
	"bytes"
	"testing"

	"github.com/solacechain/konsensus/types"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	kv, err := OpenPebbleStore("", true)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestKVStoreGetSetAndBatch(t *testing.T) {
	kv := openTestStore(t)

	if _, err := kv.Get([]byte("missing")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := kv.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %s", v)
	}

	batch := kv.NewBatch()
	if err := batch.Set([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("batch Set: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("batch Commit: %v", err)
	}
	v2, err := kv.Get([]byte("k2"))
	if err != nil || string(v2) != "v2" {
		t.Fatalf("expected v2 after commit, got %s, err %v", v2, err)
	}
}

func TestKVStoreIterator(t *testing.T) {
	kv := openTestStore(t)
	for _, k := range []string{"a", "b", "c"} {
		if err := kv.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	it := kv.NewIterator([]byte("a"), []byte("z"))
	defer it.Close()
	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 keys, got %v", got)
	}
}

func TestRoundStatusSaveLoad(t *testing.T) {
	kv := openTestStore(t)

	rs, err := LoadRoundStatus(kv)
	if err != nil {
		t.Fatalf("LoadRoundStatus on empty store: %v", err)
	}
	if rs != nil {
		t.Fatal("expected nil round status before any save")
	}

	want := &types.RoundStatus{CurrentRound: 7, CurrentEpoch: 2, CurrentTimeoutDuration: 5000}
	if err := SaveRoundStatus(kv, want); err != nil {
		t.Fatalf("SaveRoundStatus: %v", err)
	}

	got, err := LoadRoundStatus(kv)
	if err != nil {
		t.Fatalf("LoadRoundStatus: %v", err)
	}
	if got.CurrentRound != want.CurrentRound || got.CurrentEpoch != want.CurrentEpoch {
		t.Fatalf("expected round status to round-trip, got %+v", got)
	}
}

func TestFinalizedBlockByHeightAndHash(t *testing.T) {
	kv := openTestStore(t)

	hash := types.BlockHash{1, 2, 3}
	block := &types.Block{Signed: &types.SignedBlock{Round: 4, Epoch: 1}}
	if err := PutFinalizedBlock(kv, 10, hash, block); err != nil {
		t.Fatalf("PutFinalizedBlock: %v", err)
	}

	byHeight, err := GetFinalizedBlockByHeight(kv, 10)
	if err != nil || byHeight == nil {
		t.Fatalf("GetFinalizedBlockByHeight: %v, %v", byHeight, err)
	}
	if byHeight.Signed.Round != 4 {
		t.Fatalf("expected round 4, got %d", byHeight.Signed.Round)
	}

	byHash, err := GetFinalizedBlockByHash(kv, hash)
	if err != nil || byHash == nil {
		t.Fatalf("GetFinalizedBlockByHash: %v, %v", byHash, err)
	}

	height, ok, err := GetFinalizedHeightByHash(kv, hash)
	if err != nil || !ok || height != 10 {
		t.Fatalf("GetFinalizedHeightByHash: height=%d ok=%v err=%v", height, ok, err)
	}

	latest, ok, err := LatestFinalizedHeight(kv)
	if err != nil || !ok || latest != 10 {
		t.Fatalf("LatestFinalizedHeight: latest=%d ok=%v err=%v", latest, ok, err)
	}

	if _, ok, err := GetFinalizedHeightByHash(kv, types.BlockHash{9, 9}); err != nil || ok {
		t.Fatalf("expected unknown hash to report not-found, ok=%v err=%v", ok, err)
	}
}

func TestLatestFinalizationEntryRoundTrip(t *testing.T) {
	kv := openTestStore(t)

	if fe, err := LoadLatestFinalizationEntry(kv); err != nil || fe != nil {
		t.Fatalf("expected nil finalization entry before save, got %v, %v", fe, err)
	}

	fe := &types.FinalizationEntry{
		BlockQC:     &types.QuorumCertificate{Round: 4, Epoch: 1},
		SuccessorQC: &types.QuorumCertificate{Round: 5, Epoch: 1},
	}
	if err := SaveLatestFinalizationEntry(kv, fe); err != nil {
		t.Fatalf("SaveLatestFinalizationEntry: %v", err)
	}

	got, err := LoadLatestFinalizationEntry(kv)
	if err != nil {
		t.Fatalf("LoadLatestFinalizationEntry: %v", err)
	}
	if got.BlockQC.Round != 4 || got.SuccessorQC.Round != 5 {
		t.Fatalf("expected finalization entry to round-trip, got %+v", got)
	}
}

func TestBlockIndexWriteReadMergesConsecutiveSections(t *testing.T) {
	genesis := types.BlockHash{1}
	sections := []BlockIndexSection{
		{GenesisHash: genesis, Entries: []BlockIndexEntry{{Filename: "chunk-0", GenesisIndex: 0, FirstHeight: 0, LastHeight: 99}}},
		{GenesisHash: genesis, Entries: []BlockIndexEntry{{Filename: "chunk-1", GenesisIndex: 0, FirstHeight: 100, LastHeight: 199}}},
	}

	var buf bytes.Buffer
	if err := WriteBlockIndex(&buf, sections); err != nil {
		t.Fatalf("WriteBlockIndex: %v", err)
	}

	parsed, err := ReadBlockIndex(&buf)
	if err != nil {
		t.Fatalf("ReadBlockIndex: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected consecutive same-genesis sections to merge into 1, got %d", len(parsed))
	}
	if len(parsed[0].Entries) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(parsed[0].Entries))
	}
	if parsed[0].Entries[1].Filename != "chunk-1" || parsed[0].Entries[1].LastHeight != 199 {
		t.Fatalf("unexpected second entry: %+v", parsed[0].Entries[1])
	}
}

func TestBlockIndexRejectsChunkLineBeforeHeader(t *testing.T) {
	_, err := ReadBlockIndex(bytes.NewReader([]byte("chunk-0,0,0,1\n")))
	if err == nil {
		t.Fatal("expected an error for a chunk line with no preceding genesis header")
	}
}

func TestBlockDatabaseExportImportRoundTrip(t *testing.T) {
	sections := []BlockDatabaseSection{
		{
			GenesisIndex:     0,
			ProtocolVersion:  1,
			GenesisBlockHash: types.BlockHash{1},
			FirstBlockHeight: 0,
			Blocks:           [][]byte{[]byte("block-0"), []byte("block-1")},
			Finalizations:    [][]byte{[]byte("fin-0")},
		},
		{
			GenesisIndex:     1,
			ProtocolVersion:  1,
			GenesisBlockHash: types.BlockHash{2},
			FirstBlockHeight: 2,
			Blocks:           [][]byte{[]byte("block-2")},
			Finalizations:    nil,
		},
	}

	var buf bytes.Buffer
	if err := ExportBlockDatabase(&buf, sections); err != nil {
		t.Fatalf("ExportBlockDatabase: %v", err)
	}

	got, err := ImportBlockDatabase(&buf)
	if err != nil {
		t.Fatalf("ImportBlockDatabase: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(got))
	}
	if len(got[0].Blocks) != 2 || string(got[0].Blocks[1]) != "block-1" {
		t.Fatalf("unexpected first section blocks: %v", got[0].Blocks)
	}
	if len(got[0].Finalizations) != 1 || string(got[0].Finalizations[0]) != "fin-0" {
		t.Fatalf("unexpected first section finalizations: %v", got[0].Finalizations)
	}
	if got[1].GenesisIndex != 1 || got[1].FirstBlockHeight != 2 {
		t.Fatalf("unexpected second section header: %+v", got[1])
	}
}

func TestImportBlockDatabaseRejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := writeVarint(&buf, 999); err != nil {
		t.Fatalf("writeVarint: %v", err)
	}
	if _, err := ImportBlockDatabase(&buf); err == nil {
		t.Fatal("expected an error for an unsupported version header")
	}
}
