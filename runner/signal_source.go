// Package runner's SignalSource boundary stands in for the AI-signal
// extraction producers spec.md §1 explicitly places out of scope
// (_extract_perps_signals / _extract_momentum_signals /
// _fetch_coingecko_changes in ai_signal_bridge.py talk to LLM and market
// data APIs this port does not carry). Only the merge/gate/dispatch
// pipeline downstream of signal extraction is implemented; this file
// supplies a manual, file-driven producer for that pipeline to run
// against, matching ai_signal_bridge.py's "manual operator signal"
// create_manual_signal path.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"perpsd/signal"
)

// SignalSource supplies one batch of raw AI signals per poll. A
// collaborator backed by a real model or market-data API satisfies this
// the same way FileSignalSource does.
type SignalSource interface {
	FetchSignals(ctx context.Context) ([]signal.AISignal, error)
}

// FileSignalSource reads newline-delimited JSON AISignal records appended
// to path, using the same byte-cursor approach as the external intent
// queue so a restart never re-plays already-consumed signals.
type FileSignalSource struct {
	path   string
	cursor *cursorFile
}

// NewFileSignalSource builds a source over path, persisting its cursor
// alongside it at path+".cursor".
func NewFileSignalSource(path string) *FileSignalSource {
	return &FileSignalSource{path: path, cursor: newCursorFile(path + ".cursor")}
}

func (s *FileSignalSource) FetchSignals(ctx context.Context) ([]signal.AISignal, error) {
	cursor := s.cursor.load()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, nil
	}
	if cursor > info.Size() {
		cursor = 0
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open signal file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(cursor, 0); err != nil {
		return nil, fmt.Errorf("seek signal file: %w", err)
	}

	var signals []signal.AISignal
	reader := bufio.NewReader(f)
	offset := cursor
	for {
		line, readErr := reader.ReadString('\n')
		offset += int64(len(line))
		text := strings.TrimSpace(line)
		if text != "" {
			var sig signal.AISignal
			if err := json.Unmarshal([]byte(text), &sig); err == nil {
				signals = append(signals, normalizeManualSignal(sig))
			}
		}
		if readErr != nil {
			break
		}
	}

	if offset != cursor {
		_ = s.cursor.save(offset)
	}
	return signals, nil
}

// normalizeManualSignal fills in the operator-injected defaults
// create_manual_signal applies when a field was left blank.
func normalizeManualSignal(s signal.AISignal) signal.AISignal {
	s.Asset = strings.ToUpper(strings.TrimSpace(s.Asset))
	s.Direction = strings.ToLower(strings.TrimSpace(s.Direction))
	if s.Source == "" {
		s.Source = "manual"
	}
	if s.Provider == "" {
		s.Provider = "operator"
	}
	if s.Regime == "" {
		s.Regime = "ranging"
	}
	if s.Confidence <= 0 {
		s.Confidence = 0.90
	}
	return s
}
