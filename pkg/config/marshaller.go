package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and seals the pipeline configuration.
//
// Validation runs in two stages: the JSON schema check over the raw
// document, then trySeal over the unmarshalled form. Both reject the
// process at startup; a running service never sees a broken catalog.
func Load(filepath string) (out *Config, err error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *Config, err error) {
	if err := validateSchema(conf); err != nil {
		return nil, err
	}

	var _out *ConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("misconfiguration: %v", r)
		}
	}()
	out = TrySeal(_out)
	return out, nil
}

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal a marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ConfigMarshall struct {
	API          *APIConfigMarshall              `yaml:"api"`
	Storage      *StorageConfigMarshall          `yaml:"storage"`
	Settings     *SettingsMarshall               `yaml:"settings"`
	Trees        map[string]*TreeMarshall        `yaml:"trees"`
	BuildConfigs map[string]*BuildConfigMarshall `yaml:"build_configs"`
	Platforms    map[string]*PlatformMarshall    `yaml:"platforms"`
	Runtimes     map[string]*RuntimeMarshall     `yaml:"runtimes"`
	Jobs         map[string]*JobMarshall         `yaml:"jobs"`
	Scheduler    []*SchedulerEntryMarshall       `yaml:"scheduler"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) trySeal(path string) *Config {
	conf := &Config{
		api:          nonnil(c.API, path+".api").trySeal(path + ".api"),
		storage:      nonnil(c.Storage, path+".storage").trySeal(path + ".storage"),
		settings:     c.Settings.trySeal(path + ".settings"), // optional; nil seals to defaults
		trees:        map[string]*Tree{},
		buildConfigs: map[string]*BuildConfig{},
		platforms:    map[string]*Platform{},
		runtimes:     map[string]*Runtime{},
		jobs:         map[string]*Job{},
	}

	for name, t := range c.Trees {
		conf.trees[name] = t.trySeal(path+".trees."+name, name)
	}
	for name, b := range c.BuildConfigs {
		conf.buildConfigs[name] = b.trySeal(path+".build_configs."+name, name, conf.trees)
	}
	for name, p := range c.Platforms {
		conf.platforms[name] = p.trySeal(path+".platforms."+name, name)
	}
	for name, r := range c.Runtimes {
		conf.runtimes[name] = r.trySeal(path+".runtimes."+name, name)
	}
	for name, j := range c.Jobs {
		conf.jobs[name] = j.trySeal(path+".jobs."+name, name)
	}
	for nth, s := range c.Scheduler {
		p := fmt.Sprintf("%s.scheduler[%d]", path, nth)
		conf.scheduler = append(conf.scheduler, s.trySeal(p, conf))
	}
	return conf
}

type APIConfigMarshall struct {
	StoreURL string `yaml:"store_url"`
	BusURL   string `yaml:"bus_url"`
}

func (a *APIConfigMarshall) trySeal(path string) *APIConfig {
	return &APIConfig{
		storeURL: required(a.StoreURL, path+".store_url"),
		busURL:   required(a.BusURL, path+".bus_url"),
	}
}

type StorageConfigMarshall struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PublicURL string `yaml:"public_url"`
}

func (s *StorageConfigMarshall) trySeal(path string) *StorageConfig {
	return &StorageConfig{
		bucket:    required(s.Bucket, path+".bucket"),
		region:    s.Region,
		endpoint:  s.Endpoint,
		publicURL: required(s.PublicURL, path+".public_url"),
	}
}

type SettingsMarshall struct {
	CheckoutTimeout string `yaml:"checkout_timeout"`
	JobTimeout      string `yaml:"job_timeout"`
	Holdoff         string `yaml:"holdoff"`
	DrainGrace      string `yaml:"drain_grace"`
	MirrorDir       string `yaml:"mirror_dir"`
	OutputDir       string `yaml:"output_dir"`
	CallbackURL     string `yaml:"callback_url"`
}

func (s *SettingsMarshall) trySeal(path string) *Settings {
	sealed := &Settings{
		checkoutTimeout: 12 * time.Hour,
		jobTimeout:      6 * time.Hour,
		holdoff:         30 * time.Second,
		drainGrace:      30 * time.Second,
		mirrorDir:       "/var/lib/kite/mirrors",
		outputDir:       "/var/lib/kite/output",
	}
	if s == nil {
		return sealed
	}
	if s.CheckoutTimeout != "" {
		sealed.checkoutTimeout = duration(s.CheckoutTimeout, path+".checkout_timeout")
	}
	if s.JobTimeout != "" {
		sealed.jobTimeout = duration(s.JobTimeout, path+".job_timeout")
	}
	if s.Holdoff != "" {
		sealed.holdoff = duration(s.Holdoff, path+".holdoff")
	}
	if s.DrainGrace != "" {
		sealed.drainGrace = duration(s.DrainGrace, path+".drain_grace")
	}
	if s.MirrorDir != "" {
		sealed.mirrorDir = s.MirrorDir
	}
	if s.OutputDir != "" {
		sealed.outputDir = s.OutputDir
	}
	sealed.callbackURL = s.CallbackURL
	return sealed
}

type TreeMarshall struct {
	URL string `yaml:"url"`
}

func (t *TreeMarshall) trySeal(path string, name string) *Tree {
	return &Tree{
		name: name,
		url:  required(t.URL, path+".url"),
	}
}

type BuildConfigMarshall struct {
	Tree      string `yaml:"tree"`
	Branch    string `yaml:"branch"`
	Frequency string `yaml:"frequency"`
}

func (b *BuildConfigMarshall) trySeal(path string, name string, trees map[string]*Tree) *BuildConfig {
	treeName := required(b.Tree, path+".tree")
	tree, ok := trees[treeName]
	if !ok {
		panic(fmt.Errorf("%s.tree refers an unknown tree: %s", path, treeName))
	}
	freq := time.Duration(0)
	if b.Frequency != "" {
		freq = frequency(b.Frequency, path+".frequency")
	}
	return &BuildConfig{
		name:      name,
		tree:      tree,
		branch:    required(b.Branch, path+".branch"),
		frequency: freq,
	}
}

type PlatformMarshall struct {
	Arch       string            `yaml:"arch"`
	Compatible []string          `yaml:"compatible"`
	BootMethod string            `yaml:"boot_method"`
	Params     map[string]string `yaml:"params"`
}

func (p *PlatformMarshall) trySeal(path string, name string) *Platform {
	return &Platform{
		name:       name,
		arch:       required(p.Arch, path+".arch"),
		compatible: p.Compatible,
		bootMethod: p.BootMethod,
		params:     p.Params,
	}
}

type RuntimeMarshall struct {
	Kind      string `yaml:"kind"`
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
	Pool      int    `yaml:"pool"`
}

func (r *RuntimeMarshall) trySeal(path string, name string) *Runtime {
	kind := RuntimeKind(required(r.Kind, path+".kind"))
	switch kind {
	case RuntimeShell, RuntimeDocker, RuntimeKubernetes, RuntimeLAVA, RuntimeLabPull:
	default:
		panic(fmt.Errorf("%s.kind is not a runtime kind: %s", path, kind))
	}
	if kind == RuntimeLAVA && r.URL == "" {
		panic(fmt.Errorf("%s.url is required for lava runtimes", path))
	}
	if kind == RuntimeDocker && r.Image == "" {
		panic(fmt.Errorf("%s.image is required for docker runtimes", path))
	}
	pool := r.Pool
	if pool <= 0 {
		pool = 1
	}
	return &Runtime{
		name:      name,
		kind:      kind,
		url:       r.URL,
		namespace: r.Namespace,
		image:     r.Image,
		pool:      pool,
	}
}

type JobMarshall struct {
	Kind     string            `yaml:"kind"`
	Template string            `yaml:"template"`
	Image    string            `yaml:"image"`
	Params   map[string]string `yaml:"params"`
	Rules    *JobRulesMarshall `yaml:"rules"`
}

func (j *JobMarshall) trySeal(path string, name string) *Job {
	kind := required(j.Kind, path+".kind")
	switch kind {
	case "kbuild", "job", "test", "process":
	default:
		panic(fmt.Errorf("%s.kind is not schedulable: %s", path, kind))
	}
	return &Job{
		name:     name,
		kind:     kind,
		template: required(j.Template, path+".template"),
		image:    j.Image,
		params:   j.Params,
		rules:    j.Rules.trySeal(path + ".rules"), // nil seals to no rules
	}
}

type JobRulesMarshall struct {
	Tree       []string         `yaml:"tree"`
	Branch     []string         `yaml:"branch"`
	MinVersion *VersionMarshall `yaml:"min_version"`
	MaxVersion *VersionMarshall `yaml:"max_version"`
	Arch       []string         `yaml:"arch"`
	Defconfig  []string         `yaml:"defconfig"`
	Fragments  []string         `yaml:"fragments"`
	Frequency  string           `yaml:"frequency"`
}

func (r *JobRulesMarshall) trySeal(path string) *JobRules {
	if r == nil {
		return &JobRules{}
	}
	rules := &JobRules{
		tree:      r.Tree,
		branch:    r.Branch,
		arch:      r.Arch,
		defconfig: r.Defconfig,
		fragments: r.Fragments,
	}
	if r.MinVersion != nil {
		v := r.MinVersion.trySeal(path + ".min_version")
		rules.minVersion = &v
	}
	if r.MaxVersion != nil {
		v := r.MaxVersion.trySeal(path + ".max_version")
		rules.maxVersion = &v
	}
	if r.Frequency != "" {
		rules.frequency = frequency(r.Frequency, path+".frequency")
	}
	return rules
}

type VersionMarshall struct {
	Version    int `yaml:"version"`
	Patchlevel int `yaml:"patchlevel"`
}

func (v *VersionMarshall) trySeal(path string) Version {
	if v.Version <= 0 {
		panic(fmt.Errorf("%s.version should be positive", path))
	}
	return Version{version: v.Version, patchlevel: v.Patchlevel}
}

type SchedulerEntryMarshall struct {
	Job       string                `yaml:"job"`
	Event     *EventPatternMarshall `yaml:"event"`
	Runtime   string                `yaml:"runtime"`
	Platforms []string              `yaml:"platforms"`
}

func (s *SchedulerEntryMarshall) trySeal(path string, conf *Config) *SchedulerEntry {
	jobName := required(s.Job, path+".job")
	job, ok := conf.jobs[jobName]
	if !ok {
		panic(fmt.Errorf("%s.job refers an unknown job: %s", path, jobName))
	}
	runtimeName := required(s.Runtime, path+".runtime")
	runtime, ok := conf.runtimes[runtimeName]
	if !ok {
		panic(fmt.Errorf("%s.runtime refers an unknown runtime: %s", path, runtimeName))
	}
	entry := &SchedulerEntry{
		job:     job,
		event:   nonnil(s.Event, path+".event").trySeal(path + ".event"),
		runtime: runtime,
	}
	for _, p := range s.Platforms {
		platform, ok := conf.platforms[p]
		if !ok {
			panic(fmt.Errorf("%s.platforms refers an unknown platform: %s", path, p))
		}
		entry.platforms = append(entry.platforms, platform)
	}
	return entry
}

type EventPatternMarshall struct {
	Channel string `yaml:"channel"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	State   string `yaml:"state"`
	Result  string `yaml:"result"`
}

func (e *EventPatternMarshall) trySeal(path string) *EventPattern {
	return &EventPattern{
		channel: required(e.Channel, path+".channel"),
		name:    e.Name,
		kind:    e.Kind,
		state:   e.State,
		result:  e.Result,
	}
}

func required[T comparable](value T, path string) T {
	var zero T
	if value == zero {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

func nonnil[T any](value *T, path string) *T {
	if value == nil {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

func duration(value string, path string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return d
}

var frequencyPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?$`)

// frequency parses the [Nd][Nh][Nm] grammar of frequency gates.
func frequency(value string, path string) time.Duration {
	m := frequencyPattern.FindStringSubmatch(value)
	if m == nil || value == "" {
		panic(fmt.Errorf("%s is not a frequency ([Nd][Nh][Nm]): %q", path, value))
	}
	days, _ := strconv.Atoi(zeroIfEmpty(m[1]))
	hours, _ := strconv.Atoi(zeroIfEmpty(m[2]))
	minutes, _ := strconv.Atoi(zeroIfEmpty(m[3]))
	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
