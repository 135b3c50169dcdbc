package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/httputil"
)

func TestClientSendCommand(t *testing.T) {
	stub := (&httputil.StubDoer{}).Reply(http.StatusOK, `{"outcome":"started","failed":false,"cmd_counter":4,"cmd_err_counter":1}`)
	c := NewClient("http://cs.local:8080/", stub)

	resp, err := c.SendCommand(context.Background(), CommandRequest{Name: "recompute-cfecore"})
	require.NoError(t, err)
	assert.Equal(t, checksum.Started, resp.Outcome)
	assert.Equal(t, uint32(4), resp.CmdCounter)

	req, body := stub.Request(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://cs.local:8080/api/command", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	var sent CommandRequest
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "recompute-cfecore", sent.Name)
}

func TestClientErrors(t *testing.T) {
	stub := (&httputil.StubDoer{}).
		Reply(http.StatusBadRequest, `{"error":"missing cc or name"}`).
		Reply(http.StatusBadGateway, `oops`).
		Fail(errors.New("connection refused")).
		Reply(http.StatusOK, `not json`)
	c := NewClient("http://cs.local", stub)
	ctx := context.Background()

	_, err := c.SendCommand(ctx, CommandRequest{})
	assert.ErrorContains(t, err, "missing cc or name")
	_, err = c.Housekeeping(ctx)
	assert.ErrorContains(t, err, "unexpected status 502")
	_, err = c.Events(ctx, 10)
	assert.ErrorContains(t, err, "connection refused")
	_, err = c.Housekeeping(ctx)
	assert.ErrorContains(t, err, "decode")
}

func TestClientAgainstServer(t *testing.T) {
	s, eng, _, mem := newTestServer(t)
	c := NewClient("http://cs.local", handlerDoer{s.ServeMux()})
	ctx := context.Background()

	resp, err := c.SendCommand(ctx, CommandRequest{Name: "noop"})
	require.NoError(t, err)
	assert.Equal(t, checksum.OK, resp.Outcome)
	require.Len(t, eng.packets, 1)

	hk, err := c.Housekeeping(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hk.CmdCounter)

	require.NoError(t, c.Poke(ctx, PokeRequest{Address: 16, Data: "ff"}))
	assert.Equal(t, []byte{0xFF}, mem.writes[16])

	evs, err := c.Events(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

// handlerDoer serves requests in-process through a handler.
type handlerDoer struct{ h http.Handler }

func (d handlerDoer) Do(req *http.Request) (*http.Response, error) {
	w := httptest.NewRecorder()
	d.h.ServeHTTP(w, req)
	return w.Result(), nil
}
