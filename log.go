package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var LogType = struct {
	Startup    string
	Config     string
	Routing    string
	Accounting string
	Dispatch   string
	Queue      string
	Database   string
	Web        string
}{
	Startup:    "startup",
	Config:     "config",
	Routing:    "routing",
	Accounting: "accounting",
	Dispatch:   "dispatch",
	Queue:      "queue",
	Database:   "database",
	Web:        "web",
}

// LoggingFormat is one structured log line. Fill it in as the function runs,
// then Print it or turn it into an error.
type LoggingFormat struct {
	Type          string
	Path          string
	Function      string
	Level         logrus.Level
	Message       string
	Error         error
	TransactionID string
	fields        logrus.Fields
}

func (l *LoggingFormat) AddField(key string, value interface{}) {
	if l.fields == nil {
		l.fields = logrus.Fields{}
	}
	l.fields[key] = value
}

func (l *LoggingFormat) entry() *logrus.Entry {
	fields := logrus.Fields{}
	for k, v := range l.fields {
		fields[k] = v
	}
	if l.Type != "" {
		fields["type"] = l.Type
	}
	if l.Path != "" {
		fields["path"] = l.Path
	}
	if l.Function != "" {
		fields["function"] = l.Function
	}
	if l.TransactionID != "" {
		fields["transaction_id"] = l.TransactionID
	}
	e := logrus.WithFields(fields)
	if l.Error != nil {
		e = e.WithError(l.Error)
	}
	return e
}

// Print logs the entry. An unset Level (the zero value is logrus.PanicLevel)
// prints at error level when Error is set and at info level otherwise.
func (l *LoggingFormat) Print() {
	level := l.Level
	if level == logrus.PanicLevel {
		level = logrus.InfoLevel
		if l.Error != nil {
			level = logrus.ErrorLevel
		}
	}
	l.entry().Log(level, l.Message)
}

// ToError logs the entry and returns it as an error wrapping l.Error.
func (l *LoggingFormat) ToError() error {
	if l.Level == logrus.PanicLevel {
		l.Level = logrus.ErrorLevel
	}
	l.Print()
	if l.Error == nil {
		return errors.New(l.Message)
	}
	if l.Message == "" {
		return l.Error
	}
	return fmt.Errorf("%s: %w", l.Message, l.Error)
}

func setupLogging(cfg Config) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.LokiURL != "" {
		hook := NewLokiHook(cfg.LokiURL, cfg.LokiUsername, cfg.LokiPassword, map[string]string{
			"job":       "smpp-routing-gw",
			"server_id": cfg.ServerID,
		})
		logrus.AddHook(hook)
		logrus.RegisterExitHandler(hook.Close)
	}
}

const lokiBuffer = 1024

//goland:noinspection ALL
var ErrLokiBufferFull = errors.New("loki: buffer full, entry dropped")

// LokiHook ships log lines to Loki's push API. Fire only queues the line;
// a background goroutine does the pushing so a slow Loki never holds up the
// caller.
type LokiHook struct {
	PushURL  string
	Username string
	Password string
	Labels   map[string]string
	client   *http.Client

	lines chan lokiLine
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	// pushed is called after every push attempt
	pushed func(error)
}

type lokiLine struct {
	labels map[string]string
	ts     time.Time
	line   string
}

type lokiPushData struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func NewLokiHook(pushURL, username, password string, labels map[string]string) *LokiHook {
	h := &LokiHook{
		PushURL:  pushURL,
		Username: username,
		Password: password,
		Labels:   labels,
		client:   &http.Client{Timeout: 5 * time.Second},
		lines:    make(chan lokiLine, lokiBuffer),
		done:     make(chan struct{}),
		pushed: func(err error) {
			if err != nil {
				// logging through logrus would come back to this hook
				fmt.Fprintf(os.Stderr, "loki push failed: %v\n", err)
			}
		},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *LokiHook) run() {
	defer h.wg.Done()
	for {
		select {
		case l := <-h.lines:
			h.pushed(h.push(l.labels, l.ts, l.line))
		case <-h.done:
			for {
				select {
				case l := <-h.lines:
					h.pushed(h.push(l.labels, l.ts, l.line))
				default:
					return
				}
			}
		}
	}
}

// Close stops the pusher once the queued lines are out. Lines fired later
// are dropped.
func (h *LokiHook) Close() {
	h.once.Do(func() {
		close(h.done)
	})
	h.wg.Wait()
}

func (h *LokiHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *LokiHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	labels := map[string]string{"level": e.Level.String()}
	for k, v := range h.Labels {
		labels[k] = v
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.lines <- lokiLine{labels: labels, ts: e.Time, line: line}:
		return nil
	default:
		return ErrLokiBufferFull
	}
}

func (h *LokiHook) push(labels map[string]string, ts time.Time, line string) error {
	payload := lokiPushData{
		Streams: []lokiStream{{
			Stream: labels,
			Values: [][2]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling json: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, h.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Username != "" && h.Password != "" {
		req.SetBasicAuth(h.Username, h.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to Loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received unexpected response status: %d", resp.StatusCode)
	}
	return nil
}
