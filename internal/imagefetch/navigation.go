package imagefetch

import "context"

// SettleNavigation reconciles a navigation error with the document response
// captured before it. Chromium aborts navigations to an HTTP error status with
// an empty body (net::ERR_HTTP_RESPONSE_CODE_FAILURE), so a captured non-2xx
// response wins over err and surfaces as an upstream status. Cancellation and
// deadlines always keep err.
func SettleNavigation(ctx context.Context, resp Response, captured bool, err error) (Response, error) {
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || !captured || resp.OK() || resp.Status == 0 {
		return Response{}, err
	}
	return resp, nil
}
