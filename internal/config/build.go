package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/alertgroup"
	"github.com/t77yq/alert-notifier/internal/calendar"
	"github.com/t77yq/alert-notifier/internal/channel"
	"github.com/t77yq/alert-notifier/internal/during"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/person"
	"github.com/t77yq/alert-notifier/internal/timerange"
)

// allLevels is the notifications key that sets every level at once
const allLevels = "all"

// BuildCalendar returns the HTTP calendar client, or a static calendar of
// the configured bank holidays when no URL is set.
func BuildCalendar(logger *zap.Logger, cfg CalendarConfig) (calendar.Service, error) {
	if cfg.URL != "" {
		client, err := calendar.NewHTTPClient(logger, cfg.URL, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: calendar: %v", ErrInvalidConfig, err)
		}
		return client, nil
	}

	static := calendar.NewStatic()
	for _, s := range cfg.BankHolidays {
		day, err := time.Parse(calendar.DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%w: bank holiday %q: %v", ErrInvalidConfig, s, err)
		}
		static.AddBankHoliday(day)
	}
	return static, nil
}

// BuildChannels creates the configured delivery channels. nc is only needed
// when the nats channel is enabled.
func BuildChannels(logger *zap.Logger, cfg ChannelsConfig, nc *nats.Conn) (*channel.Registry, error) {
	reg := channel.NewRegistry()

	if cfg.Email != nil {
		if cfg.Email.Host == "" || cfg.Email.From == "" {
			return nil, fmt.Errorf("%w: email channel needs host and from", ErrInvalidConfig)
		}
		reg.Register(channel.NewEmailChannel(logger, *cfg.Email))
	}
	if cfg.SMS != nil {
		if cfg.SMS.GatewayURL == "" {
			return nil, fmt.Errorf("%w: sms channel needs gateway_url", ErrInvalidConfig)
		}
		reg.Register(channel.NewSMSChannel(logger, *cfg.SMS))
	}
	if cfg.Telegram != nil {
		tg, err := channel.NewTelegramChannel(logger, *cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("%w: telegram: %v", ErrInvalidConfig, err)
		}
		reg.Register(tg)
	}
	if cfg.NATS != nil {
		if nc == nil {
			return nil, fmt.Errorf("%w: nats channel needs a NATS connection", ErrInvalidConfig)
		}
		reg.Register(channel.NewNATSChannel(logger, nc, cfg.NATS.Subject))
	}
	if cfg.Log != nil {
		names := cfg.Log.Names
		if len(names) == 0 {
			names = []string{"log"}
		}
		for _, name := range names {
			reg.Register(channel.NewLogChannel(logger, strings.ToLower(name), cfg.Log.Capacity))
		}
	}

	if len(reg.Names()) == 0 {
		return nil, fmt.Errorf("%w: no notification channels configured", ErrInvalidConfig)
	}
	return reg, nil
}

// BuildHours parses the hour ranges behind the named presets
func BuildHours(cfg HoursConfig) (*during.Hours, error) {
	hours := during.DefaultHours()
	for _, h := range []struct {
		name string
		spec string
		dst  *timerange.Set
	}{
		{"working", cfg.Working, &hours.Working},
		{"daytime", cfg.Daytime, &hours.Daytime},
		{"dead_zone", cfg.DeadZone, &hours.DeadZone},
	} {
		if h.spec == "" {
			continue
		}
		spec, err := timerange.Parse(h.spec)
		if err != nil {
			return nil, fmt.Errorf("%w: hours.%s: %v", ErrInvalidConfig, h.name, err)
		}
		set, err := timerange.Normalize(spec, timerange.Hours)
		if err != nil {
			return nil, fmt.Errorf("%w: hours.%s: %v", ErrInvalidConfig, h.name, err)
		}
		*h.dst = set
	}
	return &hours, nil
}

// BuildRegistry validates the people, lists and groups of cfg and builds an
// immutable registry from them. Every channel named by a notification block
// must be registered in channels.
func BuildRegistry(logger *zap.Logger, cfg *Config, channels *channel.Registry, cal calendar.Service) (*alertgroup.Registry, error) {
	hours, err := BuildHours(cfg.Hours)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if cfg.During.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.During.Timezone); err != nil {
			return nil, fmt.Errorf("%w: during.timezone: %v", ErrInvalidConfig, err)
		}
	}

	lists := make(map[string]ListConfig, len(cfg.PeopleLists))
	for name, l := range cfg.PeopleLists {
		lists[strings.ToLower(name)] = l
	}
	knownList := func(name string) bool {
		_, ok := lists[name]
		return ok
	}

	persons, err := buildPersons(cfg.People, channels)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*person.Person, len(persons))
	for _, p := range persons {
		byName[p.Username] = p
	}

	plists, err := buildLists(lists, byName, cal)
	if err != nil {
		return nil, err
	}

	dir := person.NewDirectory(logger, cal, persons, plists)
	env := &during.Env{
		Logger:         logger,
		Calendar:       cal,
		Lists:          dir,
		Hours:          hours,
		Location:       loc,
		Horizon:        cfg.During.Horizon,
		MaxEvaluations: cfg.During.MaxEvaluations,
		LookupTimeout:  cfg.During.LookupTimeout,
	}

	defaults := func(t alertgroup.Target) []NotifyConfig {
		if t.IsList {
			return lists[t.Name].Notify
		}
		return cfg.People[t.Name].Notify
	}

	if len(cfg.Groups) == 0 {
		return nil, fmt.Errorf("%w: no alert groups configured", ErrInvalidConfig)
	}
	groups := make([]*alertgroup.Group, 0, len(cfg.Groups))
	seen := make(map[string]bool)
	for i, gc := range cfg.Groups {
		g, err := buildGroup(i, gc, byName, knownList, defaults)
		if err != nil {
			return nil, err
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("%w: duplicate alert group %q", ErrInvalidConfig, g.Name)
		}
		seen[g.Name] = true
		groups = append(groups, g)
	}

	return alertgroup.NewRegistry(logger, groups, dir, env), nil
}

func buildPersons(people map[string]PersonConfig, channels *channel.Registry) ([]*person.Person, error) {
	names := make([]string, 0, len(people))
	for name := range people {
		names = append(names, name)
	}
	sort.Strings(names)

	persons := make([]*person.Person, 0, len(names))
	for _, name := range names {
		pc := people[name]
		p := person.New(strings.ToLower(name))
		p.HolidayRef = pc.Holiday
		for ch, dest := range pc.Contacts {
			p.Contacts[strings.ToLower(ch)] = dest
		}

		limits := make(map[time.Duration]int, len(pc.Thresholds))
		for period, slots := range pc.Thresholds {
			d, err := time.ParseDuration(period)
			if err != nil {
				return nil, fmt.Errorf("%w: person %s: threshold period %q: %v", ErrInvalidConfig, name, period, err)
			}
			limits[d] = slots
		}
		p.Thresholds = person.NewThresholds(limits)

		for key, steps := range pc.Notifications {
			block, err := person.ParseBlock(steps)
			if err != nil {
				return nil, fmt.Errorf("%w: person %s: %s: %v", ErrInvalidConfig, name, key, err)
			}
			for _, ch := range block.Channels() {
				if !channels.Has(ch) {
					return nil, fmt.Errorf("%w: person %s: %v", ErrInvalidConfig, name, &channel.UnknownChannelError{Name: ch})
				}
			}
			if strings.EqualFold(key, allLevels) {
				for _, level := range model.Levels {
					if _, set := p.Blocks[level]; !set {
						p.Blocks[level] = block
					}
				}
				continue
			}
			level, err := model.ParseLevel(key)
			if err != nil {
				return nil, fmt.Errorf("%w: person %s: %v", ErrInvalidConfig, name, err)
			}
			p.Blocks[level] = block
		}
		for _, level := range model.Levels {
			if _, ok := p.Blocks[level]; !ok {
				return nil, fmt.Errorf("%w: person %s has no %s notifications", ErrInvalidConfig, name, level)
			}
		}
		persons = append(persons, p)
	}
	return persons, nil
}

func buildLists(lists map[string]ListConfig, persons map[string]*person.Person, cal calendar.Service) ([]*person.List, error) {
	names := make([]string, 0, len(lists))
	for name := range lists {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*person.List, 0, len(names))
	for _, name := range names {
		lc := lists[name]
		if _, clash := persons[name]; clash {
			return nil, fmt.Errorf("%w: %q is both a person and a people list", ErrInvalidConfig, name)
		}
		l := &person.List{Name: name, CalendarRef: lc.Calendar}
		if l.CalendarRef != "" && cal == nil {
			return nil, fmt.Errorf("%w: list %s needs a calendar", ErrInvalidConfig, name)
		}
		for _, m := range lc.Members {
			m = strings.ToLower(m)
			if _, ok := persons[m]; !ok {
				return nil, fmt.Errorf("%w: list %s names unknown person %q", ErrInvalidConfig, name, m)
			}
			l.Members = append(l.Members, m)
		}
		out = append(out, l)
	}
	return out, nil
}

func buildGroup(idx int, gc GroupConfig, persons map[string]*person.Person, knownList func(string) bool, defaults func(alertgroup.Target) []NotifyConfig) (*alertgroup.Group, error) {
	name := gc.Name
	if name == "" {
		return nil, fmt.Errorf("%w: alert group %d has no name", ErrInvalidConfig, idx)
	}

	level := model.LevelNormal
	if gc.Level != "" {
		var err error
		if level, err = model.ParseLevel(gc.Level); err != nil {
			return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidConfig, name, err)
		}
	}

	includes, err := alertgroup.FieldMatcher(gc.Includes)
	if err != nil {
		return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidConfig, name, err)
	}
	g := &alertgroup.Group{Name: name, Level: level, Includes: includes}
	if len(gc.Includes) == 0 {
		g.Includes = nil
	}

	for _, rc := range gc.Notify {
		rules, err := expandRule(rc, persons, knownList, defaults)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		for _, r := range rules {
			r.ID = fmt.Sprintf("%s/%d", name, len(g.Rules))
			g.Rules = append(g.Rules, r)
		}
	}
	return g, nil
}

// expandRule turns one notify clause into rules. A clause that says neither
// how often nor when takes those from each target's own notify defaults,
// giving one rule per default; targets without defaults share a plain rule.
func expandRule(rc RuleConfig, persons map[string]*person.Person, knownList func(string) bool, defaults func(alertgroup.Target) []NotifyConfig) ([]*alertgroup.Rule, error) {
	if len(rc.To) == 0 {
		return nil, fmt.Errorf("%w: notify clause without targets", ErrInvalidConfig)
	}
	targets := make([]alertgroup.Target, 0, len(rc.To))
	for _, name := range rc.To {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case persons[name] != nil:
			targets = append(targets, alertgroup.Target{Name: name})
		case knownList(name):
			targets = append(targets, alertgroup.Target{Name: name, IsList: true})
		default:
			return nil, fmt.Errorf("%w: notify names unknown person or list %q", ErrInvalidConfig, name)
		}
	}

	if rc.Every != 0 || rc.During != nil {
		expr, err := parseDuring(rc.During, knownList)
		if err != nil {
			return nil, err
		}
		return []*alertgroup.Rule{{Targets: targets, During: expr, Period: rc.Every}}, nil
	}

	var rules []*alertgroup.Rule
	var plain []alertgroup.Target
	for _, t := range targets {
		prefs := defaults(t)
		if len(prefs) == 0 {
			plain = append(plain, t)
			continue
		}
		for _, pref := range prefs {
			expr, err := parseDuring(pref.During, knownList)
			if err != nil {
				return nil, fmt.Errorf("defaults of %s: %w", t, err)
			}
			rules = append(rules, &alertgroup.Rule{Targets: []alertgroup.Target{t}, During: expr, Period: pref.Every})
		}
	}
	if len(plain) > 0 {
		rules = append(rules, &alertgroup.Rule{Targets: plain})
	}
	return rules, nil
}

// Builder returns a BuildFunc over fixed channels and calendar. Those are
// created once at startup; reloads only rebuild people, lists and groups.
func Builder(logger *zap.Logger, channels *channel.Registry, cal calendar.Service) BuildFunc {
	return func(cfg *Config) (*alertgroup.Registry, error) {
		return BuildRegistry(logger, cfg, channels, cal)
	}
}
