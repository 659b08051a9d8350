package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yago-123/dapn/pkg/bind"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/signal/types"
)

var selfAddr = netip.MustParseAddrPort("203.0.113.1:7777")

type stubDispatcher struct {
	origin    bind.Origin
	target    peer.Identity
	answer    bool
	bindErr   error
	unbindErr error
}

func (s *stubDispatcher) HandleRequestBind(_ context.Context, origin bind.Origin, target peer.Identity) (peer.Address, bool) {
	s.origin, s.target = origin, target
	if !s.answer {
		return peer.Address{}, false
	}
	return selfAddr, true
}

func (s *stubDispatcher) HandleBind(_ context.Context, origin bind.Origin) (peer.Address, error) {
	s.origin = origin
	if s.bindErr != nil {
		return peer.Address{}, s.bindErr
	}
	return selfAddr, nil
}

func (s *stubDispatcher) HandleUnbind(_ context.Context, origin bind.Origin) error {
	s.origin = origin
	return s.unbindErr
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, d Dispatcher, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	NewSignalServer(d, logr.Discard()).Router().ServeHTTP(w, req)
	return w
}

func originHeaders() map[string]string {
	return map[string]string{
		types.HeaderOriginUser: "alice",
		types.HeaderOriginIP:   "203.0.113.2",
		types.HeaderOriginPort: "7777",
		types.HeaderRequestID:  "req-1",
	}
}

func TestRequestBindHandler(t *testing.T) {
	t.Run("answered", func(t *testing.T) {
		d := &stubDispatcher{answer: true}
		w := serve(t, d, types.PathRequestBind, `{"target":"bob"}`, originHeaders())

		require.Equal(t, http.StatusOK, w.Code)
		var res types.BindAddressResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, types.BindAddressResponse{IP: "203.0.113.1", Port: 7777}, res)

		assert.Equal(t, peer.Identity("bob"), d.target)
		assert.Equal(t, bind.Origin{
			Identity:  "alice",
			Address:   netip.MustParseAddrPort("203.0.113.2:7777"),
			RequestID: "req-1",
		}, d.origin)
	})

	t.Run("dropped", func(t *testing.T) {
		d := &stubDispatcher{}
		headers := originHeaders()
		headers[types.HeaderRelayed] = "true"

		w := serve(t, d, types.PathRequestBind, `{"target":"bob"}`, headers)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.True(t, d.origin.Relayed)
	})

	t.Run("missing target", func(t *testing.T) {
		w := serve(t, &stubDispatcher{}, types.PathRequestBind, `{}`, originHeaders())
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing origin", func(t *testing.T) {
		w := serve(t, &stubDispatcher{}, types.PathRequestBind, `{"target":"bob"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBindHandler(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "accepted", status: http.StatusOK},
		{name: "rejected", err: dapnerr.ErrRejected, status: http.StatusForbidden},
		{name: "invalid origin", err: dapnerr.ErrInvalidOrigin, status: http.StatusBadRequest},
		{name: "provisioning failure", err: dapnerr.ErrIfaceProvisioning, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDispatcher{bindErr: tt.err}
			w := serve(t, d, types.PathBind, `{"ip":"198.51.100.7","port":9000}`, originHeaders())
			assert.Equal(t, tt.status, w.Code)

			// the body address takes precedence over the headers
			assert.Equal(t, netip.MustParseAddrPort("198.51.100.7:9000"), d.origin.Address)
		})
	}
}

func TestUnbindHandler(t *testing.T) {
	d := &stubDispatcher{}
	w := serve(t, d, types.PathUnbind, ``, map[string]string{types.HeaderOriginUser: "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, peer.Identity("alice"), d.origin.Identity)

	d = &stubDispatcher{unbindErr: dapnerr.ErrIfaceTeardown}
	w = serve(t, d, types.PathUnbind, ``, map[string]string{types.HeaderOriginUser: "alice"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestParseOrigin(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    bind.Origin
		wantErr bool
	}{
		{
			name:    "identity only",
			headers: map[string]string{types.HeaderOriginUser: "alice"},
			want:    bind.Origin{Identity: "alice"},
		},
		{
			name:    "full",
			headers: originHeaders(),
			want:    bind.Origin{Identity: "alice", Address: netip.MustParseAddrPort("203.0.113.2:7777"), RequestID: "req-1"},
		},
		{name: "missing identity", headers: map[string]string{types.HeaderOriginIP: "203.0.113.2"}, wantErr: true},
		{name: "bad ip", headers: map[string]string{types.HeaderOriginUser: "alice", types.HeaderOriginIP: "nope", types.HeaderOriginPort: "1"}, wantErr: true},
		{name: "bad port", headers: map[string]string{types.HeaderOriginUser: "alice", types.HeaderOriginIP: "203.0.113.2", types.HeaderOriginPort: "0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			got, err := ParseOrigin(h)
			if tt.wantErr {
				require.ErrorIs(t, err, dapnerr.ErrInvalidOrigin)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
