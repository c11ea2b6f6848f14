package core

import (
	"crypto/sha256"
	"encoding/binary"

	"CdpLedger/internal/event"
)

const genesisTag = "CdpLedger:genesis:v1"

// chainLink is what one logged command contributes to the hash chain.
type chainLink struct {
	sequence  int64
	eventType event.EventType
	rejected  bool
	digest    []byte
}

// hashChain folds every logged command, rejected ones included, into a
// running SHA-256 tip:
//
//	tip[N] = SHA-256(tip[N-1] || seq BE64 || type BE32 || rejected || digest)
//
// Replaying the same log reproduces the same tips.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: sha256.Sum256([]byte(genesisTag))}
}

func (hc *hashChain) append(l chainLink) [32]byte {
	buf := make([]byte, 0, len(hc.tip)+8+4+1+len(l.digest))
	buf = append(buf, hc.tip[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(l.sequence))
	buf = binary.BigEndian.AppendUint32(buf, uint32(l.eventType))
	if l.rejected {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, l.digest...)

	hc.tip = sha256.Sum256(buf)
	return hc.tip
}

func (hc *hashChain) current() [32]byte { return hc.tip }

// resume continues the chain from a snapshot tip.
func (hc *hashChain) resume(tip [32]byte) { hc.tip = tip }
