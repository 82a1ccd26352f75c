package manifest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/deploy-core/deployer"
	"gopkg.in/yaml.v3"
)

var (
	gSecrets = Secrets{
		ChannelType:  deployer.ChannelTelegram,
		ChannelToken: "123456:ABC-DEF1234ghIkl",
		Model:        "gpt-4o-mini",
	}
	gParams = Params{
		ServiceName:   "bot",
		Image:         "ghcr.io/example/bot:1.2.0",
		CPUUnits:      0.5,
		MemorySize:    "512Mi",
		StorageSize:   "1Gi",
		Port:          8080,
		PricingDenom:  "uakt",
		PricingAmount: 1000,
		Env:           map[string]string{"LOG_LEVEL": "info"},
	}
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	out, err := Generate(gSecrets, gParams)
	require.NoError(t, err)

	var doc sdl
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "2.0", doc.Version)
	svc, ok := doc.Services["bot"]
	require.True(t, ok)
	assert.Equal(t, gParams.Image, svc.Image)
	assert.Equal(t, []string{
		"CHANNEL_TYPE=telegram",
		"LOG_LEVEL=info",
		"MODEL=gpt-4o-mini",
		"TELEGRAM_BOT_TOKEN=123456:ABC-DEF1234ghIkl",
	}, svc.Env)
	require.Len(t, svc.Expose, 1)
	assert.Equal(t, uint32(8080), svc.Expose[0].Port)
	assert.True(t, svc.Expose[0].To[0].Global)

	res := doc.Profiles.Compute["bot"].Resources
	assert.Equal(t, 0.5, res.CPU.Units)
	assert.Equal(t, "512Mi", res.Memory.Size)
	assert.Equal(t, "1Gi", res.Storage.Size)
	assert.Equal(t, pricing{Denom: "uakt", Amount: 1000}, doc.Profiles.Placement[placementName].Pricing["bot"])
	assert.Equal(t, placement{Profile: "bot", Count: 1}, doc.Deployment["bot"][placementName])
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	s := gSecrets
	s.ChannelAPIKey = "sk-abc"
	first, err := Generate(s, gParams)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		out, err := Generate(s, gParams)
		require.NoError(t, err)
		assert.Equal(t, first, out)
	}
	assert.Contains(t, first, "CHANNEL_API_KEY=sk-abc")
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	secrets := func(f func(*Secrets)) Secrets {
		s := gSecrets
		f(&s)
		return s
	}
	params := func(f func(*Params)) Params {
		p := gParams
		f(&p)
		return p
	}

	tests := []struct {
		name    string
		secrets Secrets
		params  Params
	}{
		{"empty token", secrets(func(s *Secrets) { s.ChannelToken = "" }), gParams},
		{"token with newline", secrets(func(s *Secrets) { s.ChannelToken = "abc\nMALICIOUS=1" }), gParams},
		{"unknown channel", secrets(func(s *Secrets) { s.ChannelType = "irc" }), gParams},
		{"empty model", secrets(func(s *Secrets) { s.Model = " " }), gParams},
		{"api key with space", secrets(func(s *Secrets) { s.ChannelAPIKey = "a b" }), gParams},
		{"zero cpu", gSecrets, params(func(p *Params) { p.CPUUnits = 0 })},
		{"bad memory", gSecrets, params(func(p *Params) { p.MemorySize = "512MB" })},
		{"zero port", gSecrets, params(func(p *Params) { p.Port = 0 })},
		{"no denom", gSecrets, params(func(p *Params) { p.PricingDenom = "" })},
		{"reserved env", gSecrets, params(func(p *Params) { p.Env = map[string]string{"MODEL": "x"} })},
		{"bad env name", gSecrets, params(func(p *Params) { p.Env = map[string]string{"lower": "x"} })},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Generate(tc.secrets, tc.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, deployer.KindValidation))
		})
	}
}
