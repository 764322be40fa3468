package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// readEvents loads events from path ("-" for stdin). The input is either a
// JSON array of objects or one object per line. Numbers keep their exact
// textual form.
func readEvents(path string, stdin io.Reader) ([]proof.Event, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open events: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return decodeEvents(bufio.NewReader(r))
}

func decodeEvents(r *bufio.Reader) ([]proof.Event, error) {
	first, err := firstByte(r)
	if errors.Is(err, io.EOF) {
		return []proof.Event{}, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()

	if first == '[' {
		var events []proof.Event
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		for i, ev := range events {
			if ev == nil {
				return nil, fmt.Errorf("event %d: not an object", i)
			}
		}
		return events, nil
	}

	events := []proof.Event{}
	for {
		var ev proof.Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", len(events), err)
		}
		if ev == nil {
			return nil, fmt.Errorf("event %d: not an object", len(events))
		}
		events = append(events, ev)
	}
}

func firstByte(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, r.UnreadByte()
		}
	}
}
