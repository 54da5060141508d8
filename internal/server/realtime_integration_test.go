package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
)

func TestPageStreamEmitsSavedEvents(t *testing.T) {
	env := newTestEnvironment(t, nil)
	token := issueTestToken(t, "user-a", "Ada", time.Minute)

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/pages/P1/stream?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if !strings.HasPrefix(streamResp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type: %s", streamResp.Header.Get("Content-Type"))
	}

	streamReader := bufio.NewReader(streamResp.Body)

	result, err := env.pagesService.SavePage(context.Background(), pages.SaveRequest{
		PageID:  "P1",
		Content: pages.Content{"javascript": "b"},
		SavedBy: "user-b",
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != pages.ChangeEventSaved {
				continue
			}
			var payload streamChangePayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.RevisionID != result.RevisionID || payload.SavedBy != "user-b" || payload.Content != `{"javascript":"b"}` {
				t.Fatalf("unexpected stream payload: %+v", payload)
			}
			return
		}
	}
}

func TestPageStreamRejectsUnknownPage(t *testing.T) {
	env := newTestEnvironment(t, nil)
	token := issueTestToken(t, "user-a", "Ada", time.Minute)

	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/pages/missing/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.StatusCode)
	}
}
