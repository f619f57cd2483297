package network

import (
	"context"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		if retry {
			logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, reqErr)
		}
		return retry, err
	}
}

// downloadFile fetches url into dest with parallel range requests where the server allows it.
func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
