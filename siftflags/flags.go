// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package siftflags provides the command line flags of bigsift
// programs: where workers run, how many there are, and how a run
// divides its work and reports its result.
package siftflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigsift"
	"github.com/grailbio/bigsift/exec"
	"github.com/grailbio/bigsift/report"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
)

// A Provider supplies the workers of a session. Providers are named
// by the -system flag and configured by its options.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets an option, given as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that configures a session
	// with the provider's workers.
	ExecOption() exec.Option
	// DefaultParallelism returns the number of workers to use when
	// none is requested.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a provider under a name usable in
// the -system flag.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// Providers returns the names of the registered providers, sorted.
func Providers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Internal runs workers as goroutines of the current process.
type Internal struct{}

// Name implements Provider.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.
func (*Internal) Set(string) error {
	return errors.E(errors.Invalid, "the internal system does not support any options")
}

// ExecOption implements Provider.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultParallelism implements Provider.
func (*Internal) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// Local runs each worker in its own process on the current machine.
type Local struct{}

// Name implements Provider.
func (*Local) Name() string { return "local" }

// Set implements Provider.
func (*Local) Set(string) error {
	return errors.E(errors.Invalid, "the local system does not support any options")
}

// ExecOption implements Provider.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultParallelism implements Provider.
func (*Local) DefaultParallelism() int { return 4 }

// EC2 runs each worker on its own AWS EC2 instance.
type EC2 struct {
	System ec2system.System
	// N is the default number of instances.
	N int
}

// Name implements Provider.
func (*EC2) Name() string { return "ec2" }

// Set implements Provider. Supported keys are instance, profile,
// dataspace, ondemand, and n.
func (e *EC2) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("ec2 option %q not in key=val format", v))
	}
	key, val := parts[0], parts[1]
	switch key {
	case "instance":
		e.System.InstanceType = val
	case "profile":
		e.System.InstanceProfile = val
	case "dataspace":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return errors.E(errors.Invalid, "ec2 dataspace", err)
		}
		e.System.Dataspace = uint(n)
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.E(errors.Invalid, "ec2 ondemand", err)
		}
		e.System.OnDemand = b
	case "n":
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("ec2 n: bad instance count %q", val))
		}
		e.N = n
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported ec2 option %q", key))
	}
	return nil
}

// ExecOption implements Provider.
func (e *EC2) ExecOption() exec.Option {
	system := e.System
	if system.Username == "" {
		system.Username = "unknown"
		if u, err := user.Current(); err == nil {
			system.Username = u.Username
		} else {
			log.Printf("ec2: get current user: %v", err)
		}
	}
	return exec.Bigmachine(&system)
}

// DefaultParallelism implements Provider.
func (e *EC2) DefaultParallelism() int {
	if e.N > 0 {
		return e.N
	}
	return 4
}

func init() {
	RegisterSystemProvider("internal", new(Internal))
	RegisterSystemProvider("local", new(Local))
	RegisterSystemProvider("ec2", new(EC2))
}

// SystemHelpText explains the values accepted by the -system flag.
const SystemHelpText = `A system is specified as <name>[:key=val,...].

internal: workers are goroutines of this process, the default.
local: each worker is a separate process on this machine.
ec2: each worker runs on an AWS EC2 instance. Options:
	instance=<type> - the EC2 instance type, e.g. m5.xlarge
	profile=<arn> - the instance profile to use
	dataspace=<GiB> - size of the data volume
	ondemand=<bool> - use on-demand rather than spot instances
	n=<count> - number of instances when -parallelism is not set
`

// SystemFlag is a flag.Value naming a provider and its options.
type SystemFlag struct {
	Provider Provider
	Options  []string
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return sys.Provider.Name() + ":" + strings.Join(sys.Options, ",")
}

// Set implements flag.Value.
func (sys *SystemFlag) Set(v string) error {
	name, opts := v, ""
	if i := strings.Index(v, ":"); i >= 0 {
		name, opts = v[:i], v[i+1:]
	}
	mu.Lock()
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported system %q; supported: %s", name, strings.Join(Providers(), ", ")))
	}
	var options []string
	if opts != "" {
		options = strings.Split(opts, ",")
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Provider, sys.Options = provider, options
	return nil
}

// ModeFlag is a flag.Value holding a bigsift.Mode.
type ModeFlag struct{ bigsift.Mode }

// Set implements flag.Value.
func (m *ModeFlag) Set(v string) (err error) {
	m.Mode, err = bigsift.ParseMode(v)
	return
}

// Flags holds the values of the bigsift command line flags.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	Parallelism   int
	Mode          ModeFlag
	Detector      string
	ReportSpacing report.Spacing
	ConsoleStatus bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	Check         string
	fs            *flag.FlagSet
}

// RegisterFlags registers the flags with the supplied flag set. Flag
// names are prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, f *Flags, prefix string) {
	fs.Var(&f.System, prefix+"system", "the system on which workers run: {internal,local,ec2[:key=val,...]}")
	must.Nil(f.System.Set("internal"))
	fs.BoolVar(&f.SystemHelp, prefix+"system-help", false, "describe the supported systems and their options")
	fs.IntVar(&f.Parallelism, prefix+"parallelism", 0, "number of workers; 0 requests the system's default")
	fs.Var(&f.Mode, prefix+"mode", "how work is divided: detect (each worker detects in its rows) or scatter (workers convert pixels, the root detects)")
	fs.StringVar(&f.Detector, prefix+"detector", "extrema", "name of the keypoint detector")
	fs.Var(&f.ReportSpacing, prefix+"report-spacing", "token spacing of the report: compat (two spaces before the descriptor) or single")
	fs.BoolVar(&f.ConsoleStatus, prefix+"console-status", false, "print status to stdout")
	fs.Var(&f.HTTPAddress, prefix+"http", "address of the http status server; disabled if empty")
	fs.StringVar(&f.Check, prefix+"check", "", "path of a reference report to compare the result against")
	f.fs = fs
}

// Output returns the writer for usage messages.
func (f *Flags) Output() io.Writer {
	if f.fs != nil && f.fs.Output() != nil {
		return f.fs.Output()
	}
	return os.Stderr
}

// Validate checks flag values that cannot be checked when they are
// set.
func (f *Flags) Validate() error {
	if f.Parallelism < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative parallelism %d", f.Parallelism))
	}
	if _, err := bigsift.LookupDetector(f.Detector); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("detector %q; registered: %s", f.Detector, strings.Join(bigsift.Detectors(), ", ")), err)
	}
	if f.System.Provider == nil {
		return errors.E(errors.Invalid, "no system")
	}
	return nil
}

// ExecOptions returns the session options described by the flags.
// The session reports per-run and per-worker progress to a new
// status object.
func (f *Flags) ExecOptions() ([]exec.Option, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p := f.Parallelism
	if p == 0 {
		p = f.System.Provider.DefaultParallelism()
	}
	return []exec.Option{
		f.System.Provider.ExecOption(),
		exec.Parallelism(p),
		exec.Status(new(status.Status)),
	}, nil
}

// Request returns the request described by the flags for the given
// input path.
func (f *Flags) Request(input string) bigsift.Request {
	return bigsift.Request{
		Input:    input,
		Mode:     f.Mode.Mode,
		Detector: f.Detector,
	}
}
