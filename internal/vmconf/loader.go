// Package vmconf reads the VM definitions of a build and renders them into a
// Vagrantfile.
//
// A build configuration is a YAML list:
//
//	- name: web
//	  group: lang
//	  type: node
//	  install: [npm install]
//	  test: [npm test]
//	- name: db
//	  group: db
//	  type: mongo
//
// The list is validated against an embedded CUE schema before it's decoded.
package vmconf

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"text/template"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
)

const (
	GroupLang = "lang"
	GroupDB   = "db"

	TypeNode  = "node"
	TypeMongo = "mongo"

	DefaultFirstIP = "192.168.0.15"
	DefaultBox     = "ubuntu/trusty64"
	DefaultSiteYML = "/opt/Rugby-Playbooks/site.yml"
)

var ErrInvalid = errors.New("invalid vm configuration")

//go:embed vms.cue
var cueSource []byte

//go:embed Vagrantfile.tmpl
var vagrantTemplate string

var (
	cueCtx *cue.Context
	schema cue.Value
	tmpl   *template.Template
)

func init() {
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	tmpl = template.Must(template.New("Vagrantfile").Parse(vagrantTemplate))
}

// VM is a single virtual machine of a build.
type VM struct {
	Name    string   `json:"name"`
	Group   string   `json:"group"`
	Type    string   `json:"type"`
	Install []string `json:"install,omitempty"`
	Script  []string `json:"script,omitempty"`
	Test    []string `json:"test,omitempty"`

	// IP is assigned by the Loader.
	IP string `json:"-"`
}

// Tests returns script commands followed by test commands.
func (vm VM) Tests() []string {
	out := make([]string, 0, len(vm.Script)+len(vm.Test))
	out = append(out, vm.Script...)
	return append(out, vm.Test...)
}

// Loader loads VM definitions and renders Vagrantfiles. The zero value uses
// the defaults.
type Loader struct {
	SiteYML  string // ansible playbook provisioning every VM
	Box      string
	Template string // optional path to a Vagrantfile template
	FirstIP  string // private network address of the first VM
}

// Load reads and validates the VM definitions stored at path.
func (l Loader) Load(path string) ([]VM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vm configuration: %w", err)
	}
	defer f.Close()

	file, err := yaml.Extract(filepath.Base(path), f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	unified := schema.Unify(cueCtx.BuildFile(file))
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, humanize(err))
	}

	var vms []VM
	if err := unified.Decode(&vms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	seen := make(map[string]struct{}, len(vms))
	for _, vm := range vms {
		if _, ok := seen[vm.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate vm name %q", ErrInvalid, vm.Name)
		}
		seen[vm.Name] = struct{}{}
	}

	if err := l.assignIPs(vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (l Loader) assignIPs(vms []VM) error {
	first := l.FirstIP
	if first == "" {
		first = DefaultFirstIP
	}
	ip, err := netip.ParseAddr(first)
	if err != nil {
		return fmt.Errorf("parsing first ip: %w", err)
	}
	for i := range vms {
		if !ip.IsValid() {
			return fmt.Errorf("%w: out of addresses after %s", ErrInvalid, first)
		}
		vms[i].IP = ip.String()
		ip = ip.Next()
	}
	return nil
}

type vagrantfile struct {
	Box     string
	SiteYML string
	VMs     []VM
}

// Render writes dir/Vagrantfile for vms and returns its path.
func (l Loader) Render(vms []VM, dir string) (string, error) {
	t := tmpl
	if l.Template != "" {
		var err error
		t, err = template.ParseFiles(l.Template)
		if err != nil {
			return "", fmt.Errorf("parsing vagrant template: %w", err)
		}
	}

	data := vagrantfile{
		Box:     orDefault(l.Box, DefaultBox),
		SiteYML: orDefault(l.SiteYML, DefaultSiteYML),
		VMs:     vms,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering vagrant template: %w", err)
	}

	path := filepath.Join(dir, "Vagrantfile")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func orDefault(s, dflt string) string {
	if s == "" {
		return dflt
	}
	return s
}
