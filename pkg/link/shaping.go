package link

import (
	"fmt"
	"strconv"

	"github.com/emunet-network/emunet/pkg/util"
)

// Shaping holds the traffic-control parameters for one link end. Zero
// values mean "no shaping of that kind".
type Shaping struct {
	LatencyMS     float64 `json:"latency_ms"`
	LossPct       float64 `json:"loss_pct"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
}

// Validate checks parameter ranges.
func (s Shaping) Validate() error {
	if s.LatencyMS < 0 {
		return fmt.Errorf("latency %v ms: %w", s.LatencyMS, util.ErrInvalidArgument)
	}
	if s.LossPct < 0 || s.LossPct > 100 {
		return fmt.Errorf("loss %v%%: %w", s.LossPct, util.ErrInvalidArgument)
	}
	if s.BandwidthMbps < 0 {
		return fmt.Errorf("bandwidth %v mbps: %w", s.BandwidthMbps, util.ErrInvalidArgument)
	}
	return nil
}

// IsZero reports whether no shaping is requested at all.
func (s Shaping) IsZero() bool {
	return s.LatencyMS == 0 && s.LossPct == 0 && s.BandwidthMbps == 0
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// netemArgs builds the tc invocation for the netem root qdisc. Returns nil
// when neither latency nor loss is set.
func netemArgs(namespace, iface string, s Shaping) []string {
	if s.LatencyMS == 0 && s.LossPct == 0 {
		return nil
	}
	args := []string{"ip", "netns", "exec", namespace,
		"tc", "qdisc", "replace", "dev", iface, "root", "handle", "1:", "netem"}
	if s.LatencyMS > 0 {
		args = append(args, "delay", formatFloat(s.LatencyMS)+"ms")
	}
	if s.LossPct > 0 {
		args = append(args, "loss", formatFloat(s.LossPct)+"%")
	}
	return args
}

// tbfArgs builds the tc invocation for the bandwidth limiter. When a netem
// qdisc is present the tbf hangs under it; otherwise it is the root.
// Returns nil when no bandwidth limit is set.
func tbfArgs(namespace, iface string, s Shaping) []string {
	if s.BandwidthMbps == 0 {
		return nil
	}
	args := []string{"ip", "netns", "exec", namespace,
		"tc", "qdisc", "replace", "dev", iface}
	if s.LatencyMS > 0 || s.LossPct > 0 {
		args = append(args, "parent", "1:", "handle", "10:")
	} else {
		args = append(args, "root", "handle", "1:")
	}
	args = append(args, "tbf",
		"rate", formatFloat(s.BandwidthMbps)+"mbit",
		"burst", "32kbit",
		"latency", "400ms")
	return args
}

// clearArgs builds the tc invocation that removes the root qdisc.
func clearArgs(namespace, iface string) []string {
	return []string{"ip", "netns", "exec", namespace,
		"tc", "qdisc", "del", "dev", iface, "root"}
}

// applyShaping replaces whatever qdisc state an interface has with the
// given parameters. Zero shaping clears any installed qdisc, restoring the
// kernel default.
func (m *Manager) applyShaping(namespace, iface string, s Shaping) error {
	if s.IsZero() {
		// best effort: the default qdisc cannot be deleted and that is fine
		m.runner.Run(clearArgs(namespace, iface)...)
		return nil
	}

	// start from a clean slate so replace semantics never stack qdiscs
	m.runner.Run(clearArgs(namespace, iface)...)

	if args := netemArgs(namespace, iface, s); args != nil {
		if out, err := m.runner.Run(args...); err != nil {
			return util.NewKernelError("tc netem", out, err)
		}
	}
	if args := tbfArgs(namespace, iface, s); args != nil {
		if out, err := m.runner.Run(args...); err != nil {
			return util.NewKernelError("tc tbf", out, err)
		}
	}
	util.WithIface(namespace, iface).Debugf("shaping applied: %+v", s)
	return nil
}

// ApplyIfaceShaping shapes a single interface directly. Used by the
// failure-injection verbs, which target one interface rather than a link.
func (m *Manager) ApplyIfaceShaping(namespace, iface string, s Shaping) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("link: shape %s:%s: %w", namespace, iface, err)
	}
	if err := m.applyShaping(namespace, iface, s); err != nil {
		return fmt.Errorf("link: shape %s:%s: %w", namespace, iface, err)
	}
	return nil
}
