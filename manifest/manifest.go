package manifest

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/textileio/deploy-core/deployer"
	"gopkg.in/yaml.v3"
)

const (
	sdlVersion    = "2.0"
	placementName = "dcloud"
)

var (
	sizeRe    = regexp.MustCompile(`^[1-9][0-9]*(Ki|Mi|Gi|Ti)$`)
	envNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

	channelTokenEnv = map[deployer.ChannelType]string{
		deployer.ChannelTelegram: "TELEGRAM_BOT_TOKEN",
		deployer.ChannelDiscord:  "DISCORD_BOT_TOKEN",
		deployer.ChannelSlack:    "SLACK_BOT_TOKEN",
	}
)

// Secrets are the decrypted user values injected into the workload.
type Secrets struct {
	ChannelType   deployer.ChannelType
	ChannelToken  string
	ChannelAPIKey string
	Model         string
}

// Params are the operator defined parts of the workload.
type Params struct {
	ServiceName   string
	Image         string
	CPUUnits      float64
	MemorySize    string
	StorageSize   string
	Port          uint32
	PricingDenom  string
	PricingAmount uint64
	Env           map[string]string
}

type sdl struct {
	Version    string                          `yaml:"version"`
	Services   map[string]service              `yaml:"services"`
	Profiles   profiles                        `yaml:"profiles"`
	Deployment map[string]map[string]placement `yaml:"deployment"`
}

type service struct {
	Image  string   `yaml:"image"`
	Env    []string `yaml:"env,omitempty"`
	Expose []expose `yaml:"expose"`
}

type expose struct {
	Port uint32     `yaml:"port"`
	As   uint32     `yaml:"as"`
	To   []exposeTo `yaml:"to"`
}

type exposeTo struct {
	Global bool `yaml:"global"`
}

type profiles struct {
	Compute   map[string]compute          `yaml:"compute"`
	Placement map[string]placementProfile `yaml:"placement"`
}

type compute struct {
	Resources resources `yaml:"resources"`
}

type resources struct {
	CPU     cpu  `yaml:"cpu"`
	Memory  size `yaml:"memory"`
	Storage size `yaml:"storage"`
}

type cpu struct {
	Units float64 `yaml:"units"`
}

type size struct {
	Size string `yaml:"size"`
}

type placementProfile struct {
	Pricing map[string]pricing `yaml:"pricing"`
}

type pricing struct {
	Denom  string `yaml:"denom"`
	Amount uint64 `yaml:"amount"`
}

type placement struct {
	Profile string `yaml:"profile"`
	Count   int    `yaml:"count"`
}

// Generate renders the deployment manifest for the given secrets and parameters.
// Validation happens before rendering, and equal inputs always render equal output.
func Generate(s Secrets, p Params) (string, error) {
	if err := ValidateSecrets(s); err != nil {
		return "", err
	}
	if err := ValidateParams(p); err != nil {
		return "", err
	}

	env := map[string]string{
		"CHANNEL_TYPE": string(s.ChannelType),
		"MODEL":        s.Model,
	}
	env[channelTokenEnv[s.ChannelType]] = s.ChannelToken
	if s.ChannelAPIKey != "" {
		env["CHANNEL_API_KEY"] = s.ChannelAPIKey
	}
	for k, v := range p.Env {
		if _, ok := env[k]; ok {
			return "", deployer.Errorf(deployer.KindValidation, "env %s is reserved", k)
		}
		env[k] = v
	}
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	name := p.ServiceName
	doc := sdl{
		Version: sdlVersion,
		Services: map[string]service{
			name: {
				Image: p.Image,
				Env:   envList,
				Expose: []expose{{
					Port: p.Port,
					As:   80,
					To:   []exposeTo{{Global: true}},
				}},
			},
		},
		Profiles: profiles{
			Compute: map[string]compute{
				name: {Resources: resources{
					CPU:     cpu{Units: p.CPUUnits},
					Memory:  size{Size: p.MemorySize},
					Storage: size{Size: p.StorageSize},
				}},
			},
			Placement: map[string]placementProfile{
				placementName: {Pricing: map[string]pricing{
					name: {Denom: p.PricingDenom, Amount: p.PricingAmount},
				}},
			},
		},
		Deployment: map[string]map[string]placement{
			name: {placementName: {Profile: name, Count: 1}},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding manifest: %s", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("closing encoder: %s", err)
	}
	return buf.String(), nil
}

// ValidateSecrets checks the user provided values of a workload.
func ValidateSecrets(s Secrets) error {
	if _, ok := channelTokenEnv[s.ChannelType]; !ok {
		return deployer.Errorf(deployer.KindValidation, "unsupported channel type %q", s.ChannelType)
	}
	if s.ChannelToken == "" {
		return deployer.Errorf(deployer.KindValidation, "channel token is empty")
	}
	if !printable(s.ChannelToken) {
		return deployer.Errorf(deployer.KindValidation, "channel token contains whitespace or control characters")
	}
	if s.ChannelAPIKey != "" && !printable(s.ChannelAPIKey) {
		return deployer.Errorf(deployer.KindValidation, "channel api key contains whitespace or control characters")
	}
	if strings.TrimSpace(s.Model) == "" {
		return deployer.Errorf(deployer.KindValidation, "model is empty")
	}
	if !printable(s.Model) {
		return deployer.Errorf(deployer.KindValidation, "model contains whitespace or control characters")
	}
	return nil
}

// ValidateParams checks the operator defined parts of a workload.
func ValidateParams(p Params) error {
	if p.ServiceName == "" {
		return deployer.Errorf(deployer.KindValidation, "service name is empty")
	}
	if p.Image == "" {
		return deployer.Errorf(deployer.KindValidation, "image is empty")
	}
	if p.CPUUnits <= 0 {
		return deployer.Errorf(deployer.KindValidation, "cpu units must be greater than zero")
	}
	if !sizeRe.MatchString(p.MemorySize) {
		return deployer.Errorf(deployer.KindValidation, "invalid memory size %q", p.MemorySize)
	}
	if !sizeRe.MatchString(p.StorageSize) {
		return deployer.Errorf(deployer.KindValidation, "invalid storage size %q", p.StorageSize)
	}
	if p.Port == 0 || p.Port > 65535 {
		return deployer.Errorf(deployer.KindValidation, "invalid port %d", p.Port)
	}
	if p.PricingDenom == "" {
		return deployer.Errorf(deployer.KindValidation, "pricing denom is empty")
	}
	if p.PricingAmount == 0 {
		return deployer.Errorf(deployer.KindValidation, "pricing amount must be greater than zero")
	}
	for k := range p.Env {
		if !envNameRe.MatchString(k) {
			return deployer.Errorf(deployer.KindValidation, "invalid env name %q", k)
		}
	}
	return nil
}

func printable(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
