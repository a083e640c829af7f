// Package requirements turns resource requirements into JDL requirement expressions.
package requirements

import (
	"fmt"
	"strings"

	"github.com/armadaproject/lcg/internal/lcg/configuration"
)

// Requirements produces the requirement expressions of a job descriptor.
type Requirements interface {
	// Convert returns the expressions for the configured requirements merged with job specific extras.
	Convert(extra []string) []string
	NodeNumber() int
}

// GlueRequirements expresses requirements against the GLUE schema published by grid computing elements.
type GlueRequirements struct {
	WallTime       int
	CPUTime        int
	Memory         int
	Software       []string
	AllowedCEs     []string
	ExcludedCEs    []string
	IPConnectivity bool
	Nodes          int
	Other          []string
}

func NewGlueRequirements(config configuration.RequirementsConfiguration) *GlueRequirements {
	return &GlueRequirements{
		WallTime:       config.WallTime,
		CPUTime:        config.CPUTime,
		Memory:         config.Memory,
		Software:       config.Software,
		AllowedCEs:     config.AllowedCEs,
		ExcludedCEs:    config.ExcludedCEs,
		IPConnectivity: config.IPConnectivity,
		Nodes:          config.NodeNumber,
		Other:          config.Other,
	}
}

func (r *GlueRequirements) NodeNumber() int {
	if r.Nodes < 1 {
		return 1
	}
	return r.Nodes
}

func (r *GlueRequirements) Convert(extra []string) []string {
	var expressions []string
	if r.WallTime > 0 {
		expressions = append(expressions, fmt.Sprintf("other.GlueCEPolicyMaxWallClockTime >= %d", r.WallTime))
	}
	if r.CPUTime > 0 {
		expressions = append(expressions, fmt.Sprintf("other.GlueCEPolicyMaxCPUTime >= %d", r.CPUTime))
	}
	if r.Memory > 0 {
		expressions = append(expressions, fmt.Sprintf("other.GlueHostMainMemoryRAMSize >= %d", r.Memory))
	}
	if r.IPConnectivity {
		expressions = append(expressions, "other.GlueHostNetworkAdapterOutboundIP==true")
	}
	for _, software := range r.Software {
		expressions = append(expressions, fmt.Sprintf(`Member("%s",other.GlueHostApplicationSoftwareRunTimeEnvironment)`, software))
	}
	if len(r.AllowedCEs) > 0 {
		allowed := make([]string, 0, len(r.AllowedCEs))
		for _, ce := range r.AllowedCEs {
			allowed = append(allowed, fmt.Sprintf(`RegExp("%s",other.GlueCEUniqueID)`, ce))
		}
		expressions = append(expressions, "( "+strings.Join(allowed, " || ")+" )")
	}
	for _, ce := range r.ExcludedCEs {
		expressions = append(expressions, fmt.Sprintf(`(!RegExp("%s",other.GlueCEUniqueID))`, ce))
	}
	expressions = append(expressions, r.Other...)
	return append(expressions, extra...)
}

// PinnedCE requires the job to run on one specific computing element.
func PinnedCE(ce string) []string {
	return []string{fmt.Sprintf(`other.GlueCEUniqueID=="%s"`, ce)}
}

// MPICH returns the additional expressions an MPICH job needs.
func MPICH() []string {
	return []string{
		"(other.GlueCEInfoTotalCPUs >= NodeNumber)",
		`Member("MPICH",other.GlueHostApplicationSoftwareRunTimeEnvironment)`,
	}
}
