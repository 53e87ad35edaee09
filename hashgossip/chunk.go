package hashgossip

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/meshcore/envelope"
)

// MaxChunkLength caps a single REQCHUNK's Length.
const MaxChunkLength = 32 * 1024

// ErrChunkTooLarge is returned when a REQCHUNK requests more than
// MaxChunkLength bytes.
var ErrChunkTooLarge = fmt.Errorf("hashgossip: chunk request exceeds %d bytes", MaxChunkLength)

// chunkReader abstracts file opening so tests can substitute an in-memory
// filesystem without touching os directly.
type chunkReader interface {
	Open(path string) (io.ReadCloser, error)
}

type osChunkReader struct{}

func (osChunkReader) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

// handleReqChunk serves a REQCHUNK by resolving FlacKey to a path via the
// external PathResolver, reading Offset..Offset+Length, and
// replying with RESPCHUNK. All resolver and read failures produce
// Success=false rather than an error reply, so a probing peer cannot
// distinguish failure causes.
func (g *Gossip) handleReqChunk(e *envelope.Envelope, ctx envelope.PeerContext) error {
	if g.isQuarantined(ctx.PeerId) {
		return nil
	}
	ps := g.stateFor(ctx.PeerId)
	if !ps.AllowChunkRequest() {
		return nil // silently dropped; the refused request is not recorded
	}

	// Global chunk-worker bound: when every slot is busy the request is
	// dropped rather than queued, so a flood of chunk requests cannot pile
	// up file I/O behind the control plane.
	select {
	case g.chunkSem <- struct{}{}:
		defer func() { <-g.chunkSem }()
	default:
		return nil
	}

	var req ReqChunkPayload
	if err := decodePayload(e.Payload, &req); err != nil {
		if ps.RecordInvalidMessage() {
			g.onViolation(ctx.PeerId)
		}
		return err
	}

	resp := RespChunkPayload{}
	if req.Length > 0 && req.Length <= MaxChunkLength && req.Offset >= 0 {
		if data, ok := g.readChunk(req.FlacKey, req.Offset, req.Length); ok {
			resp.Success = true
			resp.DataBase64 = base64.StdEncoding.EncodeToString(data)
			g.counters.chunksServed.Add(1)
		}
	}

	payload, err := encodePayload(resp)
	if err != nil {
		return err
	}
	return g.send(ctx.PeerId, envelope.TypeRespChunk, payload)
}

func (g *Gossip) readChunk(flacKey string, offset int64, length int) ([]byte, bool) {
	if g.resolver == nil {
		return nil, false
	}
	path, ok, err := g.resolver.ResolvePath(flacKey)
	if err != nil || !ok {
		return nil, false
	}

	reader := g.chunkReaderImpl
	if reader == nil {
		reader = osChunkReader{}
	}
	f, err := reader.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			return nil, false
		}
	} else if offset > 0 {
		if _, err := io.CopyN(io.Discard, f, offset); err != nil {
			return nil, false
		}
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, false
	}
	return buf[:n], true
}

// Correlating a specific outbound REQCHUNK with its RESPCHUNK reply (for a
// PopVerifier that actively requests bytes, rather than one that only
// checks a locally cached prefix hash) would reuse the same accumulator
// pattern LookupHash uses for REQKEY/RESPKEY; left for a concrete
// PopVerifier implementation to add when the mesh facade wires one up.
