package requirements

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
)

func TestConvert(t *testing.T) {
	r := NewGlueRequirements(configuration.RequirementsConfiguration{
		WallTime:       120,
		Memory:         2048,
		Software:       []string{"VO-atlas-release-15"},
		AllowedCEs:     []string{"cern.ch", "in2p3.fr"},
		ExcludedCEs:    []string{"bad.example.org"},
		IPConnectivity: true,
		Other:          []string{"other.GlueCEStateFreeCPUs > 0"},
	})

	assert.Equal(t, []string{
		"other.GlueCEPolicyMaxWallClockTime >= 120",
		"other.GlueHostMainMemoryRAMSize >= 2048",
		"other.GlueHostNetworkAdapterOutboundIP==true",
		`Member("VO-atlas-release-15",other.GlueHostApplicationSoftwareRunTimeEnvironment)`,
		`( RegExp("cern.ch",other.GlueCEUniqueID) || RegExp("in2p3.fr",other.GlueCEUniqueID) )`,
		`(!RegExp("bad.example.org",other.GlueCEUniqueID))`,
		"other.GlueCEStateFreeCPUs > 0",
		"extra",
	}, r.Convert([]string{"extra"}))
}

func TestConvert_Empty(t *testing.T) {
	r := NewGlueRequirements(configuration.RequirementsConfiguration{})
	assert.Empty(t, r.Convert(nil))
	assert.Equal(t, 1, r.NodeNumber())
}

func TestPinnedCE(t *testing.T) {
	assert.Equal(t, []string{`other.GlueCEUniqueID=="ce01.cern.ch:2119/jobmanager-lcglsf-grid"`}, PinnedCE("ce01.cern.ch:2119/jobmanager-lcglsf-grid"))
}
