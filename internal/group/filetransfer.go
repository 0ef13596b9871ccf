package group

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/veilmesh/peerlink/internal/identity"
	"github.com/veilmesh/peerlink/internal/nsengine"
	"github.com/veilmesh/peerlink/internal/wire"
)

// ChunkSize bounds each GroupFileChunk's plaintext payload before
// sealing, so no single wire frame grows unbounded.
const ChunkSize = 16 * 1024

type incomingFile struct {
	name       string
	size       int64
	chunkCount int
	sha256     string
	iv         string
	chunks     map[int][]byte
}

func fileAAD(groupID, transferID string) []byte { return []byte(groupID + transferID) }

// SendFile seals data as one AES-GCM blob under the group's current
// key, then slices the ciphertext into fixed-size hex chunks so the
// router can assemble and relay its own copy for later backfill while
// every member assembles independently.
func (m *Manager) SendFile(gid, fileName string, data []byte) error {
	m.mu.Lock()
	g := m.groups[gid]
	j, ok := m.active[gid]
	m.mu.Unlock()
	if !ok || g == nil {
		return ErrNotMember
	}
	_, key := g.CurrentKey()
	sum := sha256.Sum256(data)

	idBytes := make([]byte, 12)
	if _, err := rand.Read(idBytes); err != nil {
		return err
	}
	transferID := hex.EncodeToString(idBytes)

	iv, ct, err := identity.Encrypt(key, data, fileAAD(gid, transferID))
	if err != nil {
		return err
	}

	chunkCount := (len(ct) + ChunkSize - 1) / ChunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}

	start, err := wire.Encode(&wire.GroupFileStart{
		Type:       wire.TypeGroupFileStart,
		GroupID:    gid,
		TransferID: transferID,
		FileName:   fileName,
		Size:       int64(len(data)),
		ChunkCount: chunkCount,
		SHA256:     hex.EncodeToString(sum[:]),
		IV:         hex.EncodeToString(iv),
	})
	if err != nil {
		return err
	}
	if err := j.engine.SendCustom(start); err != nil {
		return err
	}

	for i := 0; i < chunkCount; i++ {
		lo := i * ChunkSize
		hi := lo + ChunkSize
		if hi > len(ct) {
			hi = len(ct)
		}
		chunk, err := wire.Encode(&wire.GroupFileChunk{
			Type:       wire.TypeGroupFileChunk,
			GroupID:    gid,
			TransferID: transferID,
			Index:      i,
			Ciphertext: hex.EncodeToString(ct[lo:hi]),
		})
		if err != nil {
			return err
		}
		if err := j.engine.SendCustom(chunk); err != nil {
			return err
		}
	}

	end, err := wire.Encode(&wire.GroupFileEnd{Type: wire.TypeGroupFileEnd, GroupID: gid, TransferID: transferID})
	if err != nil {
		return err
	}
	if err := j.engine.SendCustom(end); err != nil {
		return err
	}
	m.metrics.IncFilesTransferred()
	return nil
}

func (m *Manager) handleFileFrame(g *Group, eng *nsengine.Engine, data []byte, msg any) {
	m.mu.Lock()
	j := m.active[g.ID]
	m.mu.Unlock()
	if j == nil {
		return
	}
	m.relayIfRouter(g, eng, data)

	switch f := msg.(type) {
	case *wire.GroupFileStart:
		j.xfers[f.TransferID] = &incomingFile{
			name: f.FileName, size: f.Size, chunkCount: f.ChunkCount,
			sha256: f.SHA256, iv: f.IV, chunks: make(map[int][]byte),
		}
	case *wire.GroupFileChunk:
		xfer, ok := j.xfers[f.TransferID]
		if !ok {
			return
		}
		ct, err := hex.DecodeString(f.Ciphertext)
		if err != nil {
			return
		}
		xfer.chunks[f.Index] = ct
	case *wire.GroupFileEnd:
		xfer, ok := j.xfers[f.TransferID]
		if !ok {
			return
		}
		delete(j.xfers, f.TransferID)
		m.finishFile(g, f.TransferID, xfer)
	}
}

func (m *Manager) finishFile(g *Group, transferID string, xfer *incomingFile) {
	if len(xfer.chunks) != xfer.chunkCount {
		return
	}
	var buf bytes.Buffer
	for i := 0; i < xfer.chunkCount; i++ {
		chunk, ok := xfer.chunks[i]
		if !ok {
			return
		}
		buf.Write(chunk)
	}
	iv, err := hex.DecodeString(xfer.iv)
	if err != nil {
		return
	}
	_, key := g.CurrentKey()
	plaintext, err := identity.Decrypt(key, iv, buf.Bytes(), fileAAD(g.ID, transferID))
	if err != nil {
		return
	}
	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != xfer.sha256 {
		return
	}
	if m.onFile != nil {
		m.onFile(g.ID, xfer.name, plaintext)
	}
}
