// Package container wires core chatloom services using go.uber.org/dig.
package container

import (
	"fmt"
	"sort"

	"go.uber.org/dig"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/hooks"
	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/plug"
	"github.com/chatloom/chatloom/internal/plugs"
)

// Container holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	host    *host.Host
	plugSet plugSet
	hookSet hookSet
}

func (c *Container) Host() *host.Host   { return c.host }
func (c *Container) Plugs() []plug.Plug { return c.plugSet.plugs }
func (c *Container) Hooks() []host.Hook { return c.hookSet.hooks }

// plugSet wraps the constructed plugs so dig can inject them as one
// value. Order is by name, for deterministic startup logs.
type plugSet struct{ plugs []plug.Plug }

// hookSet wraps the constructed hooks. Order is the config list order,
// which is the order the filter chains run in.
type hookSet struct{ hooks []host.Hook }

// New builds and wires all core services from cfg.
func New(cfg *config.Config) (*Container, error) {
	d := dig.New()

	if err := d.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := d.Provide(newPlugSet); err != nil {
		return nil, err
	}
	if err := d.Provide(newHost); err != nil {
		return nil, err
	}
	if err := d.Provide(newHookSet); err != nil {
		return nil, err
	}

	var result *Container
	err := d.Invoke(func(h *host.Host, ps plugSet, hs hookSet) {
		result = &Container{host: h, plugSet: ps, hookSet: hs}
	})
	return result, err
}

func newPlugSet(cfg *config.Config) (plugSet, error) {
	var set plugSet
	for _, name := range sortedNames(cfg.Plugs) {
		p, err := plugs.FromConfig(name, cfg.Plugs[name])
		if err != nil {
			return plugSet{}, fmt.Errorf("plug %q: %w", name, err)
		}
		set.plugs = append(set.plugs, p)
	}
	return set, nil
}

// newHost registers the plugs and the named channels binding them.
func newHost(cfg *config.Config, set plugSet) (*host.Host, error) {
	h := host.New()
	for _, p := range set.plugs {
		if err := h.AddPlug(p); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedNames(cfg.Channels) {
		ch := cfg.Channels[name]
		if err := h.AddChannel(name, ch.Plug, ch.Source); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// newHookSet constructs the hooks against the registered host and adds
// them to its chains in config order.
func newHookSet(cfg *config.Config, h *host.Host) (hookSet, error) {
	var set hookSet
	for _, hc := range cfg.Hooks {
		hook, err := hooks.FromConfig(hc, h)
		if err != nil {
			return hookSet{}, fmt.Errorf("hook %q: %w", hc.Name, err)
		}
		if err := h.AddHook(hook); err != nil {
			return hookSet{}, err
		}
		set.hooks = append(set.hooks, hook)
	}
	return set, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
