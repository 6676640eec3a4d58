package steerd

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/steerd/steerd/config"
	"github.com/steerd/steerd/packet"
	"github.com/steerd/steerd/util"
)

// Engine owns the redirect map, its consumer workers, and the producer
// contexts feeding it. Built once from config by Main; immutable afterwards.
type Engine struct {
	m           *Map
	workers     []*worker
	sources     []*Source
	chanSources map[int]*ChannelSource
	delivery    Delivery
	transmitter Transmitter
	pool        *packet.Pool

	stageBatch   int
	bulkSize     int
	maxHops      int
	drainTimeout time.Duration

	l *logrus.Logger
}

// Main assembles an engine from config and hands back its Control. When
// configTest is set only validation happens and the returned Control is nil.
// extSources supplies FrameSource implementations for sources configured
// with `type: external`, in config order.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, extSources []FrameSource) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	e := &Engine{
		chanSources:  map[int]*ChannelSource{},
		stageBatch:   c.GetInt("map.stage_batch", defaultStageBatch),
		maxHops:      c.GetInt("map.max_hops", defaultMaxHops),
		drainTimeout: c.GetDuration("map.drain_timeout", defaultDrainTimeout),
		pool: packet.NewPool(
			c.GetInt("pool.headroom", -1),
			c.GetInt("pool.payload", 0)),
		l: l,
	}
	if e.stageBatch <= 0 {
		return nil, util.NewContextualError("map.stage_batch must be positive", m{"stage_batch": e.stageBatch}, nil)
	}
	// One dequeue typically drains exactly one producer's batch.
	e.bulkSize = c.GetInt("map.bulk_size", e.stageBatch)

	entryCount := len(c.GetSlice("map.entries", nil))
	entries, err := parseEntries(c, entryCount)
	if err != nil {
		return nil, err
	}

	e.m, err = NewMap(entries)
	if err != nil {
		return nil, util.NewContextualError("Failed to build redirect map", nil, err)
	}

	e.delivery, err = buildDelivery(c)
	if err != nil {
		return nil, err
	}
	e.transmitter = DiscardDelivery{}

	for _, entry := range e.m.Entries() {
		e.workers = append(e.workers, newWorker(
			entry, e.m, e.delivery, e.transmitter, e.bulkSize, e.maxHops, e.drainTimeout, l))
	}

	err = e.buildSources(c, entryCount, extSources)
	if err != nil {
		return nil, err
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	registerMetrics(metrics.DefaultRegistry, e.m, e.sources)

	l.WithField("entries", e.m.Size()).WithField("sources", len(e.sources)).
		WithField("stage_batch", e.stageBatch).WithField("build", buildVersion).
		Info("Redirect map constructed")

	return newControl(e, c, l, statsStart), nil
}

type m = map[string]any

func parseEntries(c *config.C, entryCount int) ([]EntryConfig, error) {
	raw := c.GetSlice("map.entries", nil)
	entries := make([]EntryConfig, 0, len(raw))

	for id, rv := range raw {
		ev, ok := rv.(map[string]any)
		if !ok {
			return nil, util.NewContextualError("map.entries entry is not a map", m{"entry": id}, nil)
		}

		cfg := EntryConfig{
			Core:     intOr(ev["core"], -1),
			Capacity: intOr(ev["capacity"], 0),
		}

		if hv, hasHook := ev["hook"]; hasHook {
			hm, ok := hv.(map[string]any)
			if !ok {
				return nil, util.NewContextualError("entry hook is not a map", m{"entry": id}, nil)
			}
			hook, err := buildClassifier(hm, entryCount)
			if err != nil {
				return nil, util.NewContextualError("Failed to build entry hook", m{"entry": id}, err)
			}
			cfg.Hook = hook
		}

		entries = append(entries, cfg)
	}

	return entries, nil
}

func (e *Engine) buildSources(c *config.C, entryCount int, extSources []FrameSource) error {
	raw := c.GetSlice("sources", nil)
	extUsed := 0

	for i, rv := range raw {
		sv, ok := rv.(map[string]any)
		if !ok {
			return util.NewContextualError("sources entry is not a map", m{"source": i}, nil)
		}

		cfg := SourceConfig{
			ID:         intOr(sv["id"], i),
			Core:       intOr(sv["core"], -1),
			CycleBatch: intOr(sv["cycle_batch"], 0),
		}

		cm, _ := sv["classifier"].(map[string]any)
		if cm == nil {
			return util.NewContextualError("source has no classifier", m{"source": i}, nil)
		}
		cls, err := buildClassifier(cm, entryCount)
		if err != nil {
			return util.NewContextualError("Failed to build ingress classifier", m{"source": i}, err)
		}
		cfg.Classifier = cls

		var src FrameSource
		switch t := fmt.Sprintf("%v", sv["type"]); t {
		case "channel":
			cs := NewChannelSource(intOr(sv["depth"], 1024))
			e.chanSources[cfg.ID] = cs
			src = cs
		case "pcap":
			path := fmt.Sprintf("%v", sv["path"])
			ps, err := NewPcapSource(path, e.pool)
			if err != nil {
				return util.NewContextualError("Failed to open pcap source", m{"source": i, "path": path}, err)
			}
			src = ps
		case "external":
			if extUsed >= len(extSources) {
				return util.NewContextualError("No external frame source supplied", m{"source": i}, nil)
			}
			src = extSources[extUsed]
			extUsed++
		default:
			return util.NewContextualError("Unknown source type", m{"source": i, "type": t}, nil)
		}

		e.sources = append(e.sources, newSource(cfg, src, e.m, e.stageBatch, e.delivery, e.transmitter, e.l))
	}

	return nil
}

func buildDelivery(c *config.C) (Delivery, error) {
	switch t := c.GetString("delivery.type", "discard"); t {
	case "discard":
		return DiscardDelivery{}, nil
	case "channel":
		return NewChannelDelivery(c.GetInt("delivery.depth", 1024)), nil
	default:
		return nil, util.NewContextualError("Unknown delivery type", m{"type": t}, nil)
	}
}

// buildClassifier constructs an injected classifier from its config map.
// Every call returns a fresh instance because classifiers carry
// per-execution-context parser state.
func buildClassifier(cm map[string]any, entryCount int) (Classifier, error) {
	switch t := fmt.Sprintf("%v", cm["type"]); t {
	case "static":
		v, err := parseVerdict(cm)
		if err != nil {
			return nil, err
		}
		return StaticClassifier(v), nil

	case "hash":
		return NewHashSpreader(entryCount), nil

	case "proto_port":
		tcp, err := parsePortMap(cm["tcp_ports"])
		if err != nil {
			return nil, err
		}
		udp, err := parsePortMap(cm["udp_ports"])
		if err != nil {
			return nil, err
		}
		def, err := parseDefaultVerdict(cm)
		if err != nil {
			return nil, err
		}
		return NewProtoPortClassifier(tcp, udp, def), nil

	case "prefix":
		def, err := parseDefaultVerdict(cm)
		if err != nil {
			return nil, err
		}
		pc := NewPrefixClassifier(def)
		routes, _ := cm["routes"].([]any)
		for _, rv := range routes {
			rm, ok := rv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("prefix route is not a map: %v", rv)
			}
			pfx, err := netip.ParsePrefix(fmt.Sprintf("%v", rm["prefix"]))
			if err != nil {
				return nil, fmt.Errorf("bad prefix %v: %w", rm["prefix"], err)
			}
			pc.Add(pfx, intOr(rm["dest"], 0))
		}
		return pc, nil

	default:
		return nil, fmt.Errorf("unknown classifier type %q", t)
	}
}

func parseVerdict(cm map[string]any) (Verdict, error) {
	switch v := fmt.Sprintf("%v", cm["verdict"]); v {
	case "drop":
		return Drop(), nil
	case "pass":
		return Pass(), nil
	case "transmit":
		return Transmit(), nil
	case "redirect":
		return RedirectTo(intOr(cm["dest"], 0)), nil
	default:
		return Verdict{}, fmt.Errorf("unknown verdict %q", v)
	}
}

func parseDefaultVerdict(cm map[string]any) (Verdict, error) {
	if _, ok := cm["default"]; !ok {
		return Pass(), nil
	}
	dm, ok := cm["default"].(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("classifier default is not a map")
	}
	return parseVerdict(dm)
}

func parsePortMap(v any) (map[uint16]int, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("port map is not a map: %v", v)
	}

	out := make(map[uint16]int, len(raw))
	for k, dv := range raw {
		port, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad port %q: %w", k, err)
		}
		out[uint16(port)] = intOr(dv, 0)
	}
	return out, nil
}

func intOr(v any, d int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return d
}
