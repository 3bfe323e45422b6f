// Package discovery finds orders touched since the last cycle. The
// desktop application has no updated_at columns, but every edit appends
// a clock token ("14h30") to the movement observation text, so the
// scanner reads today's movements from each store and keeps a per-store
// high-water mark over those tokens.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sefoc/sagra-sync/internal/models"
)

// Source is one store's view of a day's movements. The central
// repository and both legacy repositories implement it.
type Source interface {
	Name() string
	MovementsOn(ctx context.Context, day time.Time) ([]models.Movement, error)
}

var clockPattern = regexp.MustCompile(`(\d{1,2})h(\d{2})`)

// ParseClock extracts the last clock token from an observation and
// returns it as minutes past midnight. Observations accumulate tokens
// as operators edit a movement, so the last one is the most recent.
func ParseClock(observation string) (int, bool) {
	matches := clockPattern.FindAllStringSubmatch(observation, -1)
	if len(matches) == 0 {
		return 0, false
	}

	last := matches[len(matches)-1]
	hour, _ := strconv.Atoi(last[1])
	minute, _ := strconv.Atoi(last[2])
	if hour > 23 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

type Scanner struct {
	sources []Source
	log     *slog.Logger
	now     func() time.Time

	day    time.Time
	latest map[string]int
}

func NewScanner(log *slog.Logger, sources ...Source) *Scanner {
	return &Scanner{
		sources: sources,
		log:     log,
		now:     time.Now,
		latest:  make(map[string]int),
	}
}

// Discover returns the orders whose movements carry a clock token newer
// than the per-store cursor. A store that cannot be read is skipped and
// reported in the joined error; its cursor does not advance, so the
// next successful cycle picks its changes up.
func (s *Scanner) Discover(ctx context.Context) ([]models.OrderRef, error) {
	today := startOfDay(s.now())
	if !today.Equal(s.day) {
		s.day = today
		for name := range s.latest {
			// -1 so a token at exactly midnight still counts as new.
			s.latest[name] = -1
		}
		s.log.Debug("Day rollover. Discovery cursors reset", "day", today.Format("2006-01-02"))
	}

	touched := make(map[models.OrderRef]struct{})
	var errs []error

	for _, src := range s.sources {
		movements, err := src.MovementsOn(ctx, today)
		if err != nil {
			errs = append(errs, fmt.Errorf("scanning %s: %w", src.Name(), err))
			continue
		}

		cursor, ok := s.latest[src.Name()]
		if !ok {
			cursor = -1
		}
		high := cursor

		for i := range movements {
			// No parseable token reads as start of day: the row is
			// today's, it just carries no finer timestamp.
			token, _ := ParseClock(movements[i].Observation)
			if token <= cursor {
				continue
			}
			touched[movements[i].Ref()] = struct{}{}
			if token > high {
				high = token
			}
		}

		s.latest[src.Name()] = high
	}

	refs := make([]models.OrderRef, 0, len(touched))
	for ref := range touched {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Year != refs[j].Year {
			return refs[i].Year < refs[j].Year
		}
		return refs[i].Number < refs[j].Number
	})

	return refs, errors.Join(errs...)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
