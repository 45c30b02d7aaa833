package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var errMismatch = errors.New("response failed verification")

type checkOptions struct {
	URL          string
	Range        string
	Output       string
	ExpectStatus int
	Head         bool
	Timeout      time.Duration
}

type checkResult struct {
	Status        int
	ContentRange  string
	ContentLength int64
	Received      int64
	Problems      []string
}

func newRootCommand(client *http.Client) *cobra.Command {
	opts := checkOptions{}
	cmd := &cobra.Command{
		Use:   "rangecheck URL",
		Short: "rangecheck verifies byte-range responses from a media stream endpoint.",
		Long: `Issues one request with an optional Range header, prints the status and range
headers, and checks that the body length matches Content-Length and Content-Range.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.URL = args[0]
			result, err := runCheck(cmd, client, opts)
			if err != nil {
				return err
			}
			if len(result.Problems) > 0 {
				for _, problem := range result.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "mismatch: %s\n", problem)
				}
				return errMismatch
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Range, "range", "r", "", "Range header to send, e.g. bytes=0-1023")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the response body to this file")
	_ = cmd.MarkFlagFilename("output")
	cmd.Flags().IntVar(&opts.ExpectStatus, "expect-status", 0, "fail unless the response has this status code")
	cmd.Flags().BoolVar(&opts.Head, "head", false, "send a HEAD request instead of GET")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "overall request timeout (0 waits indefinitely)")
	return cmd
}

func runCheck(cmd *cobra.Command, client *http.Client, opts checkOptions) (checkResult, error) {
	method := http.MethodGet
	if opts.Head {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, opts.URL, nil)
	if err != nil {
		return checkResult{}, fmt.Errorf("build request: %w", err)
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}
	if opts.Timeout > 0 {
		client = &http.Client{Transport: client.Transport, Timeout: opts.Timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return checkResult{}, fmt.Errorf("request %s: %w", opts.URL, err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s\n", resp.Status)
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if value := resp.Header.Get(name); value != "" {
			fmt.Fprintf(out, "%s: %s\n", strings.ToLower(name), value)
		}
	}

	result := checkResult{
		Status:        resp.StatusCode,
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentLength: resp.ContentLength,
	}

	var sink io.Writer = io.Discard
	if opts.Output != "" && !opts.Head {
		file, err := os.Create(opts.Output)
		if err != nil {
			return result, fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(cmd.ErrOrStderr()) }),
		)
		sink = io.MultiWriter(file, bar)
	}

	received, err := io.Copy(sink, resp.Body)
	result.Received = received
	if err != nil {
		return result, fmt.Errorf("read body after %s: %w", humanize.IBytes(uint64(received)), err)
	}
	fmt.Fprintf(out, "received: %s (%d bytes)\n", humanize.IBytes(uint64(received)), received)

	result.Problems = verify(result, opts)
	return result, nil
}

// verify returns a description of every inconsistency in result.
func verify(result checkResult, opts checkOptions) []string {
	var problems []string
	if opts.ExpectStatus != 0 && result.Status != opts.ExpectStatus {
		problems = append(problems, fmt.Sprintf("expected status %d, got %d", opts.ExpectStatus, result.Status))
	}
	if !opts.Head && result.ContentLength >= 0 && result.ContentLength != result.Received {
		problems = append(problems, fmt.Sprintf("content-length %d but received %d bytes", result.ContentLength, result.Received))
	}

	switch result.Status {
	case http.StatusPartialContent:
		start, end, total, ok := parseContentRange(result.ContentRange)
		if !ok {
			problems = append(problems, fmt.Sprintf("malformed content-range %q", result.ContentRange))
			break
		}
		if start > end || end >= total {
			problems = append(problems, fmt.Sprintf("content-range %q is outside the resource", result.ContentRange))
		}
		if span := end - start + 1; result.ContentLength >= 0 && span != result.ContentLength {
			problems = append(problems, fmt.Sprintf("content-range spans %d bytes but content-length is %d", span, result.ContentLength))
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if !strings.HasPrefix(result.ContentRange, "bytes */") {
			problems = append(problems, fmt.Sprintf("416 response has content-range %q, want bytes */size", result.ContentRange))
		}
	case http.StatusOK:
		if result.ContentRange != "" {
			problems = append(problems, "200 response carries a content-range header")
		}
	}
	return problems
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(value string) (start, end, total int64, ok bool) {
	rest, found := strings.CutPrefix(value, "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	span, totalRaw, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, 0, false
	}
	startRaw, endRaw, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(startRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(endRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if total, err = strconv.ParseInt(totalRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return start, end, total, true
}
