package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// GoogleProvider fetches MP3 speech from the Google Translate TTS endpoint.
type GoogleProvider struct {
	host     string
	language string
	client   *http.Client
}

func NewGoogleProvider(host, language string, client *http.Client) *GoogleProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if language == "" {
		language = "en-US"
	}
	return &GoogleProvider{host: strings.TrimRight(host, "/"), language: language, client: client}
}

func (g *GoogleProvider) Format() string { return "mp3" }

func (g *GoogleProvider) Fetch(ctx context.Context, seg Segment, w io.Writer) error {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", seg.Text)
	q.Set("tl", g.language)
	q.Set("total", strconv.Itoa(seg.Total))
	q.Set("idx", strconv.Itoa(seg.Index))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(seg.Text)))
	q.Set("client", "tw-ob")
	q.Set("prev", "input")
	q.Set("ttsspeed", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.host+"/translate_tts?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speech endpoint returned status %s", resp.Status)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("speech endpoint returned no audio")
	}
	return nil
}
