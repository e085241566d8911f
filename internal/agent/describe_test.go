package agent

import (
	"errors"
	"testing"

	"herd/internal/config"
	"herd/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubProbe() SystemProbe {
	return SystemProbe{
		Cores:  func() (int, error) { return 4, nil },
		Memory: func() (uint64, error) { return 8 << 30, nil },
		Load:   func() (float64, error) { return 12.5, nil },
		HostID: func() (string, error) { return "host-abc", nil },
	}
}

func TestDescriber_Describe(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.Architecture = "Win-64"
	cfg.CUDA = "11.2"
	d := NewDescriber(cfg, stubProbe(), nil)

	a := d.Describe()
	assert.Equal(t, "host-abc", a.ProcessorID())
	assert.Equal(t, 4, a.NumProcessors())
	assert.Equal(t, model.ArchWin64, a.Architecture())
	assert.Equal(t, "11.2", a.CUDA())
	assert.Equal(t, "1.0.0", a.Version())
	assert.Equal(t, "8Gb", a.MemoryGB())
	assert.Equal(t, "12.50", a.Property(model.PropProcessorLoad))
	assert.True(t, a.IsAvailable())

	d.SetState(model.StateBusy)
	assert.Equal(t, model.StateBusy, d.Describe().State())

	// 自描述能被 shepherd 解析回来
	data, err := a.MarshalDescription()
	require.NoError(t, err)
	parsed, err := model.ParseDescription(data)
	require.NoError(t, err)
	assert.Equal(t, a.Properties, parsed.Properties)
}

func TestDescriber_ProcessorID(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.ProcessorID = "configured"
	assert.Equal(t, "configured", NewDescriber(cfg, stubProbe(), nil).ProcessorID())

	failing := stubProbe()
	failing.HostID = func() (string, error) { return "", errors.New("no machine id") }
	d := NewDescriber(config.DefaultAgentConfig(), failing, nil)
	id := d.ProcessorID()
	assert.Len(t, id, 36)
	// 进程生命周期内不变
	assert.Equal(t, id, d.Describe().ProcessorID())
}

func TestDescriber_ProbeFailures(t *testing.T) {
	probe := SystemProbe{
		Cores:  func() (int, error) { return 0, errors.New("boom") },
		Memory: func() (uint64, error) { return 0, errors.New("boom") },
		Load:   func() (float64, error) { return 0, errors.New("boom") },
	}
	cfg := config.DefaultAgentConfig()
	cfg.ProcessorID = "p"
	a := NewDescriber(cfg, probe, nil).Describe()

	assert.Positive(t, a.NumProcessors())
	assert.Equal(t, model.PropValueNone, a.Property(model.PropProcessorLoad))
	assert.Equal(t, model.PropValueNone, a.Property(model.PropTotalMemory))
}

func TestDetectArchitecture(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         model.Architecture
	}{
		{"windows", "amd64", model.ArchWin64},
		{"windows", "386", model.ArchWin32},
		{"linux", "amd64", model.ArchLinux64},
		{"linux", "arm64", model.ArchLinux64},
		{"linux", "arm", "Linux-32"},
		{"darwin", "arm64", "Darwin-64"},
		{"freebsd", "386", "Freebsd-32"},
		{"", "amd64", "Unknown-64"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectArchitecture(tt.goos, tt.goarch), tt.goos+"/"+tt.goarch)
	}
}
