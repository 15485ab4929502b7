// Package logger implements a per-fetch in-memory log buffer.
//
// Detailed split/retry lines are buffered while a viewport fetch runs.
// If the fetch fails, the buffer is replayed followed by the final error.
// If it succeeds, the buffer is dropped and one short line is written.
//
// Thread safety comes from a dedicated logger goroutine and a command
// channel; no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	fetchID string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushError
	when    time.Time // timestamp, kept for ordering if ever needed
}

var ch = make(chan cmd, 128) // buffered against bursts of split branches

// Begin enables buffering for fetchID.
func Begin(fetchID string) { ch <- cmd{act: actBegin, fetchID: fetchID, when: time.Now()} }

// Append adds one detailed log line.
func Append(fetchID, msg string) {
	ch <- cmd{act: actAppend, fetchID: fetchID, message: msg, when: time.Now()}
}

// Success drops the buffer and writes a short success line.
func Success(fetchID, summary string) {
	ch <- cmd{act: actSuccess, fetchID: fetchID, summary: summary, when: time.Now()}
}

// FlushError replays the buffered detail and then the final error.
func FlushError(fetchID string, err error) {
	ch <- cmd{act: actFlushErr, fetchID: fetchID, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.fetchID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.fetchID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message) // no buffer, write immediately
			}

		case actSuccess:
			log.Printf("[%-6s][Fetch] ✔ %s", c.fetchID, c.summary)
			delete(buffers, c.fetchID)

		case actFlushErr:
			// Replay then reset, keeping the buffer registered: several
			// branches of one fetch can fail independently, and detail
			// appended after the first failure must still buffer until
			// Success closes the fetch.
			if b := buffers[c.fetchID]; b != nil && b.Len() > 0 {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				b.Reset()
			}
			log.Printf("[%-6s][ERROR] %v", c.fetchID, c.err)
		}
	}
}
