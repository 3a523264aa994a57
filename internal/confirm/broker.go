package confirm

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

// Broker hands requests to an asynchronous collaborator such as a GUI and
// waits for its Respond call.
type Broker struct {
	requests chan model.ConfirmationRequest

	mu      sync.Mutex
	pending map[string]*waiter
}

type waiter struct {
	req model.ConfirmationRequest
	ch  chan model.Verdict
}

// NewBroker creates a broker whose Requests stream buffers size requests.
func NewBroker(size int) *Broker {
	if size <= 0 {
		size = 16
	}
	return &Broker{requests: make(chan model.ConfirmationRequest, size), pending: make(map[string]*waiter)}
}

// Requests streams new requests. Requests are also listed by Pending, so a
// consumer that falls behind loses nothing.
func (b *Broker) Requests() <-chan model.ConfirmationRequest { return b.requests }

// Confirm implements Prompter.
func (b *Broker) Confirm(ctx context.Context, req model.ConfirmationRequest) (model.Verdict, error) {
	w := &waiter{req: req, ch: make(chan model.Verdict, 1)}
	b.mu.Lock()
	b.pending[req.ID] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case b.requests <- req:
	default:
	}
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond answers the pending request id.
func (b *Broker) Respond(id string, v model.Verdict) error {
	if _, err := ParseVerdict(string(v)); err != nil {
		return err
	}
	b.mu.Lock()
	w, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return errclass.ErrNotFound.WithMessagef("no pending confirmation %s", id)
	}
	w.ch <- v
	return nil
}

// Pending lists unanswered requests, oldest first.
func (b *Broker) Pending() []model.ConfirmationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ConfirmationRequest, 0, len(b.pending))
	for _, w := range b.pending {
		out = append(out, w.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

type respondBody struct {
	Verdict model.Verdict `json:"verdict"`
}

// Handler exposes the broker over HTTP:
//
//	GET  /confirmations        pending requests
//	POST /confirmations/{id}   {"verdict":"restore"|"ignore"}
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /confirmations", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.Pending())
	})
	mux.HandleFunc("POST /confirmations/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body respondBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := b.Respond(r.PathValue("id"), body.Verdict); err != nil {
			status := http.StatusBadRequest
			if errclass.Code(err) == errclass.ErrNotFound.Code {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
