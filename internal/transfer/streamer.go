// ABOUTME: Transfer state machine relaying binary chunks between nodes and blob storage.
// ABOUTME: Reports completion or failure back to the originating session tool call.

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultTimeout bounds a whole transfer.
const DefaultTimeout = 5 * time.Minute

// Transfer errors
var (
	ErrInvalidEndpoint   = errors.New("invalid transfer endpoint")
	ErrStorageToStorage  = errors.New("storage to storage transfers are not supported")
	ErrUnknownTransfer   = errors.New("unknown transfer")
	ErrUnexpectedMessage = errors.New("unexpected transfer message")
)

// State is the lifecycle position of a transfer.
type State string

// Transfer states.
const (
	StateInit       State = "init"
	StateMetaWait   State = "meta-wait"
	StateAcceptWait State = "accept-wait"
	StateStreaming  State = "streaming"
	StateCompleting State = "completing"
)

// NodeSender delivers events and binary chunks to a connected node.
type NodeSender interface {
	SendEvent(nodeID, event string, payload any) error
	SendBinary(nodeID string, data []byte) error
}

// Reporter receives the outcome of a transfer as a tool result.
type Reporter interface {
	ToolResult(ctx context.Context, sessionKey, callID string, result json.RawMessage, errText string) error
}

// Origin identifies the session tool call that started a transfer.
type Origin struct {
	SessionKey string
	CallID     string
}

// Request describes a transfer to start.
type Request struct {
	Source      protocol.TransferEndpoint `json:"source"`
	Destination protocol.TransferEndpoint `json:"destination"`
}

// Validate checks both endpoints.
func (r Request) Validate() error {
	if err := validEndpoint(r.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validEndpoint(r.Destination); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if r.Source.IsStorage() && r.Destination.IsStorage() {
		return ErrStorageToStorage
	}
	return nil
}

func validEndpoint(e protocol.TransferEndpoint) error {
	switch {
	case e.IsStorage():
		return nil
	case e.Node != "" && e.Path != "" && e.Key == "":
		return nil
	default:
		return fmt.Errorf("%w: need either node and path, or key", ErrInvalidEndpoint)
	}
}

// Result is reported to the originating tool call on success.
type Result struct {
	Source           protocol.TransferEndpoint `json:"source"`
	Destination      protocol.TransferEndpoint `json:"destination"`
	BytesTransferred int64                     `json:"bytesTransferred"`
	Mime             string                    `json:"mime,omitempty"`
}

// Info is a point-in-time view of an active transfer.
type Info struct {
	ID               string
	State            State
	Source           protocol.TransferEndpoint
	Destination      protocol.TransferEndpoint
	BytesTransferred int64
}

type transfer struct {
	id     string
	req    Request
	origin Origin
	state  State
	size   int64
	mime   string
	bytes  int64

	writer  blob.Writer
	timer   *time.Timer
	cancel  context.CancelFunc
	started time.Time
}

// Streamer owns every active transfer.
type Streamer struct {
	nodes    NodeSender
	blobs    blob.Store
	reporter Reporter
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
	wg        sync.WaitGroup
}

// NewStreamer creates a streamer. A non-positive timeout takes DefaultTimeout.
func NewStreamer(nodes NodeSender, blobs blob.Store, reporter Reporter, timeout time.Duration, logger *slog.Logger) *Streamer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		nodes:     nodes,
		blobs:     blobs,
		reporter:  reporter,
		timeout:   timeout,
		logger:    logger.With("component", "transfer"),
		transfers: make(map[string]*transfer),
	}
}

// Start begins a transfer on behalf of origin and returns its id.
// An error means nothing was started and nothing will be reported.
func (s *Streamer) Start(ctx context.Context, origin Origin, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	t := &transfer{
		id:      uuid.New().String(),
		req:     req,
		origin:  origin,
		state:   StateInit,
		started: time.Now(),
	}

	if req.Source.IsStorage() {
		obj, err := s.blobs.Head(ctx, req.Source.Key)
		if err != nil {
			return "", fmt.Errorf("reading source %s: %w", req.Source.Key, err)
		}
		t.size = obj.Size
		t.mime = obj.Mime
	}

	// Destination nodes accept first so no chunk can arrive before they are ready.
	target, event := req.Destination.Node, protocol.EventTransferReceive
	var payload any = protocol.TransferReceivePayload{
		TransferID: t.id,
		Path:       req.Destination.Path,
		Size:       t.size,
		Mime:       t.mime,
	}
	t.state = StateAcceptWait
	if req.Destination.IsStorage() {
		target, event = req.Source.Node, protocol.EventTransferSend
		payload = protocol.TransferSendPayload{TransferID: t.id, Path: req.Source.Path}
		t.state = StateMetaWait
	}

	s.mu.Lock()
	s.transfers[t.id] = t
	t.timer = time.AfterFunc(s.timeout, func() {
		s.fail(t.id, fmt.Sprintf("transfer timed out after %s", s.timeout))
	})
	s.mu.Unlock()

	if err := s.nodes.SendEvent(target, event, payload); err != nil {
		s.mu.Lock()
		if _, ok := s.transfers[t.id]; ok {
			s.removeLocked(t)
		}
		s.mu.Unlock()
		return "", err
	}

	s.logger.Info("=== TRANSFER STARTED ===",
		"transfer_id", t.id,
		"session_key", origin.SessionKey,
		"source", describe(req.Source),
		"destination", describe(req.Destination),
	)
	return t.id, nil
}

// Accept handles transfer.accept from the destination node.
func (s *Streamer) Accept(nodeID, transferID string) error {
	s.mu.Lock()
	t, err := s.lookupLocked(transferID, StateAcceptWait)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if nodeID != t.req.Destination.Node {
		s.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrUnexpectedMessage, nodeID)
	}

	if t.req.Source.IsStorage() {
		t.state = StateStreaming
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		s.wg.Add(1)
		go s.pumpStorage(ctx, t.id, t.req.Source.Key, t.req.Destination.Node)
		s.mu.Unlock()
		return nil
	}

	t.state = StateMetaWait
	s.mu.Unlock()

	if err := s.nodes.SendEvent(t.req.Source.Node, protocol.EventTransferSend, protocol.TransferSendPayload{
		TransferID: t.id,
		Path:       t.req.Source.Path,
	}); err != nil {
		s.fail(t.id, fmt.Sprintf("source node unavailable: %v", err))
	}
	return nil
}

// Meta handles transfer.meta from the source node.
func (s *Streamer) Meta(ctx context.Context, nodeID string, p protocol.TransferMetaParams) error {
	s.mu.Lock()
	t, err := s.lookupLocked(p.TransferID, StateMetaWait)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if nodeID != t.req.Source.Node {
		s.mu.Unlock()
		return fmt.Errorf("%w: meta from %s", ErrUnexpectedMessage, nodeID)
	}
	t.size = p.Size
	t.mime = p.Mime

	if t.req.Destination.IsStorage() {
		w, err := s.blobs.Create(ctx, t.req.Destination.Key, p.Mime)
		if err != nil {
			s.mu.Unlock()
			s.fail(t.id, fmt.Sprintf("opening destination %s: %v", t.req.Destination.Key, err))
			return nil
		}
		t.writer = w
	}
	t.state = StateStreaming
	s.mu.Unlock()
	return nil
}

// Chunk handles a binary chunk from a source node.
func (s *Streamer) Chunk(nodeID string, msg []byte) {
	id, data, err := protocol.DecodeChunk(msg)
	if err != nil {
		s.logger.Warn("dropping malformed chunk", "node_id", nodeID, "error", err)
		return
	}

	s.mu.Lock()
	t, err := s.lookupLocked(id, StateStreaming)
	if err != nil || nodeID != t.req.Source.Node {
		s.mu.Unlock()
		s.logger.Warn("dropping chunk", "node_id", nodeID, "transfer_id", id, "error", err)
		return
	}
	t.bytes += int64(len(data))

	if t.writer != nil {
		if _, err := t.writer.Write(data); err != nil {
			s.mu.Unlock()
			s.fail(id, fmt.Sprintf("writing destination: %v", err))
			return
		}
		s.mu.Unlock()
		return
	}
	dst := t.req.Destination.Node
	s.mu.Unlock()

	if err := s.nodes.SendBinary(dst, msg); err != nil {
		s.fail(id, fmt.Sprintf("destination node unavailable: %v", err))
	}
}

// Done handles transfer.done. From the source it ends the stream; from the
// destination it confirms the bytes are written.
func (s *Streamer) Done(nodeID, transferID string) error {
	s.mu.Lock()
	t, ok := s.transfers[transferID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	switch {
	case t.state == StateStreaming && nodeID == t.req.Source.Node && !t.req.Source.IsStorage():
		if t.writer != nil {
			w := t.writer
			t.writer = nil
			if err := w.Close(); err != nil {
				s.mu.Unlock()
				s.fail(transferID, fmt.Sprintf("committing destination: %v", err))
				return nil
			}
			s.mu.Unlock()
			s.complete(transferID)
			return nil
		}
		t.state = StateCompleting
		dst := t.req.Destination.Node
		s.mu.Unlock()
		if err := s.nodes.SendEvent(dst, protocol.EventTransferEnd, protocol.TransferEndPayload{TransferID: transferID}); err != nil {
			s.fail(transferID, fmt.Sprintf("destination node unavailable: %v", err))
		}
		return nil

	case t.state == StateCompleting && nodeID == t.req.Destination.Node:
		s.mu.Unlock()
		s.complete(transferID)
		return nil

	default:
		state := t.state
		s.mu.Unlock()
		return fmt.Errorf("%w: done from %s in state %s", ErrUnexpectedMessage, nodeID, state)
	}
}

// Error handles transfer.error from either node.
func (s *Streamer) Error(nodeID, transferID, message string) error {
	s.mu.Lock()
	t, ok := s.transfers[transferID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if nodeID != t.req.Source.Node && nodeID != t.req.Destination.Node {
		s.mu.Unlock()
		return fmt.Errorf("%w: error from %s", ErrUnexpectedMessage, nodeID)
	}
	s.mu.Unlock()

	if message == "" {
		message = "transfer failed"
	}
	s.fail(transferID, fmt.Sprintf("node %s: %s", nodeID, message))
	return nil
}

// NodeDisconnected fails every transfer touching nodeID.
func (s *Streamer) NodeDisconnected(nodeID string) {
	s.mu.Lock()
	var ids []string
	for id, t := range s.transfers {
		if t.req.Source.Node == nodeID || t.req.Destination.Node == nodeID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.fail(id, fmt.Sprintf("node %s disconnected", nodeID))
	}
}

// Active returns a view of every transfer in flight.
func (s *Streamer) Active() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, Info{
			ID:               t.id,
			State:            t.state,
			Source:           t.req.Source,
			Destination:      t.req.Destination,
			BytesTransferred: t.bytes,
		})
	}
	return out
}

// Close fails every active transfer and waits for storage readers to exit.
func (s *Streamer) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.transfers))
	for id := range s.transfers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.fail(id, "relay shutting down")
	}
	s.wg.Wait()
}

// pumpStorage reads a blob and pushes it to the destination node as chunks.
func (s *Streamer) pumpStorage(ctx context.Context, id, key, dst string) {
	defer s.wg.Done()

	r, _, err := s.blobs.Open(ctx, key)
	if err != nil {
		s.fail(id, fmt.Sprintf("opening source %s: %v", key, err))
		return
	}
	defer r.Close()

	buf := make([]byte, protocol.MaxChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk, err := protocol.EncodeChunk(id, buf[:n])
			if err != nil {
				s.fail(id, err.Error())
				return
			}
			if err := s.nodes.SendBinary(dst, chunk); err != nil {
				s.fail(id, fmt.Sprintf("destination node unavailable: %v", err))
				return
			}
			s.mu.Lock()
			if t, ok := s.transfers[id]; ok {
				t.bytes += int64(n)
			}
			s.mu.Unlock()
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			s.fail(id, fmt.Sprintf("reading source %s: %v", key, readErr))
			return
		}
	}

	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.state = StateCompleting
	s.mu.Unlock()

	if err := s.nodes.SendEvent(dst, protocol.EventTransferEnd, protocol.TransferEndPayload{TransferID: id}); err != nil {
		s.fail(id, fmt.Sprintf("destination node unavailable: %v", err))
	}
}

func (s *Streamer) lookupLocked(id string, want State) (*transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if t.state != want {
		return nil, fmt.Errorf("%w: transfer %s is %s, not %s", ErrUnexpectedMessage, id, t.state, want)
	}
	return t, nil
}

// removeLocked detaches t and releases its timer, reader, and writer.
func (s *Streamer) removeLocked(t *transfer) {
	delete(s.transfers, t.id)
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.writer != nil {
		if err := t.writer.Abort(); err != nil {
			s.logger.Warn("aborting destination write", "transfer_id", t.id, "error", err)
		}
		t.writer = nil
	}
}

func (s *Streamer) complete(id string) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeLocked(t)
	s.mu.Unlock()

	metrics.RecordTransfer(true, t.bytes)
	s.logger.Info("=== TRANSFER COMPLETE ===",
		"transfer_id", id,
		"bytes", t.bytes,
		"duration", time.Since(t.started),
	)

	result, err := json.Marshal(Result{
		Source:           t.req.Source,
		Destination:      t.req.Destination,
		BytesTransferred: t.bytes,
		Mime:             t.mime,
	})
	if err != nil {
		s.report(t, nil, err.Error())
		return
	}
	s.report(t, result, "")
}

func (s *Streamer) fail(id, reason string) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeLocked(t)
	s.mu.Unlock()

	metrics.RecordTransfer(false, t.bytes)
	s.logger.Warn("transfer failed", "transfer_id", id, "state", t.state, "reason", reason)
	s.report(t, nil, reason)
}

func (s *Streamer) report(t *transfer, result json.RawMessage, errText string) {
	if s.reporter == nil || t.origin.SessionKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.reporter.ToolResult(ctx, t.origin.SessionKey, t.origin.CallID, result, errText); err != nil {
		s.logger.Error("reporting transfer result", "transfer_id", t.id, "session_key", t.origin.SessionKey, "error", err)
	}
}

func describe(e protocol.TransferEndpoint) string {
	if e.IsStorage() {
		return "storage:" + e.Key
	}
	return e.Node + ":" + e.Path
}
