package imagefetch

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleNavigation(t *testing.T) {
	t.Parallel()

	navErr := errors.New("net::ERR_HTTP_RESPONSE_CODE_FAILURE")
	notFound := Response{RequestID: "doc", Status: http.StatusNotFound, StatusText: "Not Found"}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		resp     Response
		captured bool
		err      error
		wantResp Response
		wantErr  error
	}{
		{name: "no error", ctx: context.Background(), resp: imageResponse("image/png"), captured: true, wantResp: imageResponse("image/png")},
		{name: "http error status wins", ctx: context.Background(), resp: notFound, captured: true, err: navErr, wantResp: notFound},
		{name: "nothing captured", ctx: context.Background(), err: navErr, wantErr: navErr},
		{name: "ok response keeps error", ctx: context.Background(), resp: imageResponse("image/png"), captured: true, err: navErr, wantErr: navErr},
		{name: "context ended keeps error", ctx: canceled, resp: notFound, captured: true, err: navErr, wantErr: navErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := SettleNavigation(tt.ctx, tt.resp, tt.captured, tt.err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, Response{}, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResp, resp)
		})
	}
}

func TestOrchestratorReportsUpstreamStatusFromAbortedNavigation(t *testing.T) {
	t.Parallel()

	resp := Response{RequestID: "doc", URL: "https://example.com/missing.png", Status: http.StatusNotFound, StatusText: "Not Found"}
	settled, err := SettleNavigation(context.Background(), resp, true, errors.New("net::ERR_HTTP_RESPONSE_CODE_FAILURE"))
	require.NoError(t, err)

	b := newFakeBrowser(scenario{resp: settled})
	o := newTestOrchestrator(t, b, Config{})
	_, err = o.Fetch(context.Background(), FetchRequest{URL: resp.URL})
	require.Error(t, err)
	fe := AsError(err)
	assert.Equal(t, KindUpstreamHTTP, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, b.opened.Load(), b.closed.Load())
}
