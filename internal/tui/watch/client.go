package watch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/triggerhost/internal/events"
)

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Triggers      int    `json:"triggers"`
	Subscribers   int    `json:"subscribers"`
	DroppedEvents int64  `json:"dropped_events"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// hostClient talks to the host API. The stream client has no timeout since
// /events stays open.
type hostClient struct {
	base   string
	token  string
	stream *http.Client
	probe  *http.Client
}

func newHostClient(base, token string) *hostClient {
	return &hostClient{
		base:   base,
		token:  token,
		stream: &http.Client{},
		probe:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *hostClient) get(hc *http.Client, path string, query url.Values) (*http.Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return hc.Do(req)
}

// subscribe streams /events into ch starting after lastID and reports
// sseDisconnectedMsg once the stream ends.
func (c *hostClient) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		q := url.Values{}
		if lastID > 0 {
			q.Set("last_event_id", strconv.FormatInt(lastID, 10))
		}
		resp, err := c.get(c.stream, "/events", q)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}
		readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

func (c *hostClient) health() tea.Msg {
	resp, err := c.get(c.probe, "/healthz", nil)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

// readSSE decodes SSE frames until r ends. Comment lines are ignored.
func readSSE(r io.Reader, ch chan<- events.Event) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var ev events.Event
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if ev.Data != nil {
				if ev.At.IsZero() {
					ev.At = time.Now()
				}
				ch <- ev
			}
			ev = events.Event{}
			continue
		}
		field, value, ok := bytes.Cut(line, []byte(": "))
		if !ok {
			continue
		}
		switch string(field) {
		case "id":
			if id, err := strconv.ParseInt(string(value), 10, 64); err == nil {
				ev.ID = id
			}
		case "event":
			ev.Type = string(value)
		case "data":
			ev.Data = json.RawMessage(bytes.Clone(value))
		}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
