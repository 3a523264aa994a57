package integrity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/integrity"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

func sampleRecord() *model.PathRecord {
	return &model.PathRecord{
		Path:           "/docs/a.txt",
		Root:           "/docs",
		NextGeneration: 3,
		Entries: []model.SnapshotEntry{
			{Path: "/docs/a.txt", Generation: 1, BlobHash: "aa", Size: 3, CapturedAt: time.Unix(100, 0).UTC()},
			{Path: "/docs/a.txt", Generation: 2, BlobHash: "bb", Size: 4, CapturedAt: time.Unix(200, 0).UTC()},
		},
	}
}

func TestRecordChecksum_Deterministic(t *testing.T) {
	a, err := integrity.RecordChecksum(sampleRecord())
	require.NoError(t, err)
	b, err := integrity.RecordChecksum(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 64)
}

func TestRecordChecksum_IgnoresChecksumField(t *testing.T) {
	rec := sampleRecord()
	a, _ := integrity.RecordChecksum(rec)
	rec.Checksum = "whatever"
	b, _ := integrity.RecordChecksum(rec)
	assert.Equal(t, a, b)
}

func TestVerifyRecord(t *testing.T) {
	rec := sampleRecord()
	assert.NoError(t, integrity.VerifyRecord(rec), "no checksum yet")

	sum, err := integrity.RecordChecksum(rec)
	require.NoError(t, err)
	rec.Checksum = sum
	assert.NoError(t, integrity.VerifyRecord(rec))

	rec.Entries[0].BlobHash = "cc"
	assert.ErrorIs(t, integrity.VerifyRecord(rec), errclass.ErrIntegrity)
}

func TestHashReader(t *testing.T) {
	sum, n, err := integrity.HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, model.HashValue("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), sum)

	assert.NoError(t, integrity.VerifyContent(strings.NewReader("hello"), sum))
	assert.ErrorIs(t, integrity.VerifyContent(strings.NewReader("hellO"), sum), errclass.ErrIntegrity)
}
