package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

// maxLine bounds one JSONL record; restore batches can carry long details.
const maxLine = 16 << 20

// VerifyReport summarizes a verified log.
type VerifyReport struct {
	Records  int             `json:"records"`
	FirstSeq uint64          `json:"first_seq"`
	LastSeq  uint64          `json:"last_seq"`
	LastHash model.HashValue `json:"last_hash"`
}

// VerifyFile checks that every line of a JSONL audit log parses, carries a
// correct record hash, links to its predecessor and continues the sequence
// without gaps. The first failure is returned as E_AUDIT_CHAIN_BROKEN.
func VerifyFile(path string) (VerifyReport, error) {
	var rep VerifyReport
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, nil
		}
		return rep, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var prev *model.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec model.AuditRecord
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.UseNumber() // keep detail numbers exactly as hashed
		if err := dec.Decode(&rec); err != nil {
			return rep, errclass.ErrAuditChainBroken.WithMessagef("line %d: malformed record: %v", line, err)
		}
		want, err := ComputeRecordHash(&rec)
		if err != nil {
			return rep, err
		}
		if want != rec.RecordHash {
			return rep, errclass.ErrAuditChainBroken.WithMessagef("line %d (seq %d): record hash mismatch", line, rec.Seq)
		}
		if prev == nil {
			if rec.Seq != 1 && rec.PrevHash == "" {
				return rep, errclass.ErrAuditChainBroken.WithMessagef("line %d: log starts at seq %d", line, rec.Seq)
			}
			rep.FirstSeq = rec.Seq
		} else {
			if rec.Seq != prev.Seq+1 {
				return rep, errclass.ErrAuditChainBroken.WithMessagef("line %d: seq %d follows %d", line, rec.Seq, prev.Seq)
			}
			if rec.PrevHash != prev.RecordHash {
				return rep, errclass.ErrAuditChainBroken.WithMessagef("line %d (seq %d): prev_hash does not match seq %d", line, rec.Seq, prev.Seq)
			}
		}
		r := rec
		prev = &r
		rep.Records++
		rep.LastSeq = rec.Seq
		rep.LastHash = rec.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return rep, fmt.Errorf("scan audit log: %w", err)
	}
	return rep, nil
}

// Tail returns the last n well-formed records of a JSONL audit log.
func Tail(path string, n int) ([]model.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if n <= 0 {
		n = 20
	}
	ring := make([]model.AuditRecord, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		var rec model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, rec)
	}
	return ring, scanner.Err()
}
