// Package content decides whether and which social-proof assets accompany a
// funnel step, and composes the escalating follow-up messages.
package content

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Point identifies the funnel step content is being selected for.
type Point string

const (
	PointWelcome Point = "welcome"
	PointInfo    Point = "info"
	PointContent Point = "content"
)

// Default show probabilities per point.
const (
	DefaultWelcomeProbability = 0.45
	DefaultInfoProbability    = 0.30
	DefaultContentProbability = 1.0
)

// Rand is the random source used by the selector. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// globalRand uses the goroutine-safe top-level math/rand/v2 functions.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// Probabilities holds the Bernoulli show probability for each point.
type Probabilities struct {
	Welcome float64
	Info    float64
	Content float64
}

// DefaultProbabilities returns the production show probabilities.
func DefaultProbabilities() Probabilities {
	return Probabilities{
		Welcome: DefaultWelcomeProbability,
		Info:    DefaultInfoProbability,
		Content: DefaultContentProbability,
	}
}

func (p Probabilities) forPoint(point Point) float64 {
	switch point {
	case PointWelcome:
		return p.Welcome
	case PointInfo:
		return p.Info
	case PointContent:
		return p.Content
	default:
		return 0
	}
}

// Opts holds configuration options for the Selector.
type Opts struct {
	Rand          Rand
	Probabilities *Probabilities
}

// Option defines a configuration option for the Selector.
type Option func(*Opts)

// WithRand injects the random source. Tests pass a scripted or seeded source.
func WithRand(r Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// WithProbabilities overrides the per-point show probabilities.
func WithProbabilities(p Probabilities) Option {
	return func(o *Opts) { o.Probabilities = &p }
}

// Selector chooses supplementary content for funnel steps.
type Selector struct {
	catalog *catalog.Catalog
	rand    Rand
	probs   Probabilities
}

// NewSelector creates a Selector over the given catalog.
func NewSelector(cat *catalog.Catalog, opts ...Option) *Selector {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Selector{
		catalog: cat,
		rand:    cfg.Rand,
		probs:   DefaultProbabilities(),
	}
	if s.rand == nil {
		s.rand = globalRand{}
	}
	if cfg.Probabilities != nil {
		s.probs = *cfg.Probabilities
	}
	slog.Debug("Selector created", "welcome_p", s.probs.Welcome, "info_p", s.probs.Info, "content_p", s.probs.Content)
	return s
}

// Probabilities returns the configured show probabilities.
func (s *Selector) Probabilities() Probabilities {
	return s.probs
}

// Select decides whether to attach content at point and, if so, which items.
// offering is ignored for the welcome point. An empty result means nothing is shown.
func (s *Selector) Select(point Point, offering string) []models.ContentAsset {
	if !s.draw(s.probs.forPoint(point)) {
		return nil
	}
	switch point {
	case PointWelcome:
		// 2 or 3 items from the whole catalog
		return s.sample(s.catalog.Assets(), 2+s.rand.IntN(2))
	case PointInfo, PointContent:
		dedicated := s.catalog.AssetsFor(offering)
		if len(dedicated) == 0 {
			return s.sample(s.catalog.Assets(), 1)
		}
		count := 1
		if len(dedicated) > 1 {
			count += s.rand.IntN(2)
		}
		return s.sample(dedicated, count)
	default:
		slog.Warn("Selector.Select: unknown point", "point", point)
		return nil
	}
}

// draw performs a Bernoulli trial with probability p.
func (s *Selector) draw(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return s.rand.Float64() < p
}

// sample draws up to n items from pool without replacement using a partial
// Fisher-Yates shuffle over a copy of pool.
func (s *Selector) sample(pool []models.ContentAsset, n int) []models.ContentAsset {
	if n > len(pool) {
		n = len(pool)
	}
	if n <= 0 {
		return nil
	}
	items := make([]models.ContentAsset, len(pool))
	copy(items, pool)
	for i := 0; i < n; i++ {
		j := i + s.rand.IntN(len(items)-i)
		items[i], items[j] = items[j], items[i]
	}
	return items[:n]
}

// FollowUpAssets returns the assets attached to follow-up seq for offering.
// The choice is deterministic: the first message carries none, later ones
// carry the offering's first two assets, or one general asset when the
// offering has none.
func (s *Selector) FollowUpAssets(offering string, seq int) []models.ContentAsset {
	if seq < 2 {
		return nil
	}
	dedicated := s.catalog.AssetsFor(offering)
	switch {
	case len(dedicated) > 1:
		return dedicated[:2]
	case len(dedicated) == 1:
		return dedicated
	}
	all := s.catalog.Assets()
	if len(all) == 0 {
		return nil
	}
	return all[:1]
}

// FollowUp composes the payload for follow-up seq addressed to name.
func (s *Selector) FollowUp(offering string, seq int, name string) (Payload, error) {
	o, ok := s.catalog.Offering(offering)
	if !ok {
		return Payload{}, fmt.Errorf("%w: %q", models.ErrUnknownOffering, offering)
	}
	return Payload{
		Text:  FollowUpText(o, seq, name),
		Media: s.FollowUpAssets(offering, seq),
	}, nil
}
