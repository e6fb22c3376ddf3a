package worker

import (
	"testing"
	"time"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

func TestSupportedTiers(t *testing.T) {
	cases := []struct {
		name    string
		profile HardwareProfile
		want    []domain.ModelTier
	}{
		{
			"minimal machine serves only the smallest tier",
			HardwareProfile{Cores: 2, MemoryGB: 4},
			[]domain.ModelTier{domain.TierUnder3B},
		},
		{
			"mid machine reaches 7-13B",
			HardwareProfile{Cores: 16, MemoryGB: 16},
			[]domain.ModelTier{domain.TierUnder3B, domain.Tier3To7B, domain.Tier7To13B},
		},
		{
			"big machine serves everything",
			HardwareProfile{Cores: 32, MemoryGB: 128},
			[]domain.ModelTier{
				domain.TierUnder3B, domain.Tier3To7B, domain.Tier7To13B,
				domain.Tier13To27B, domain.Tier30BPlus,
			},
		},
		{
			"memory gates the tier even with many cores",
			HardwareProfile{Cores: 64, MemoryGB: 8},
			[]domain.ModelTier{domain.TierUnder3B, domain.Tier3To7B},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.profile.SupportedTiers()
			if len(got) != len(tc.want) {
				t.Fatalf("tiers = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("tiers = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestMaxConcurrentShrinksWithTier(t *testing.T) {
	cases := []struct {
		profile HardwareProfile
		want    int
	}{
		{HardwareProfile{Cores: 32, MemoryGB: 128}, 2},
		{HardwareProfile{Cores: 24, MemoryGB: 32}, 3},
		{HardwareProfile{Cores: 16, MemoryGB: 16}, 4},
		{HardwareProfile{Cores: 12, MemoryGB: 8}, 6},
		{HardwareProfile{Cores: 2, MemoryGB: 2}, 8},
	}
	for _, tc := range cases {
		if got := tc.profile.MaxConcurrent(); got != tc.want {
			t.Errorf("MaxConcurrent(%+v) = %d, want %d", tc.profile, got, tc.want)
		}
	}
}

func TestCapabilitiesAdvertisement(t *testing.T) {
	p := HardwareProfile{Cores: 16, MemoryGB: 16}
	caps := p.Capabilities()
	if caps.MaxConcurrent != 4 {
		t.Fatalf("MaxConcurrent = %d", caps.MaxConcurrent)
	}
	if caps.AvailableMemoryGB != 16 {
		t.Fatalf("AvailableMemoryGB = %f", caps.AvailableMemoryGB)
	}
	if len(caps.SupportedTiers) != 3 {
		t.Fatalf("SupportedTiers = %v", caps.SupportedTiers)
	}
}

func TestUsageSamplerComputesDeltas(t *testing.T) {
	readings := []UsageReading{
		{CPUBusy: 100 * time.Second, CPUTotal: 1000 * time.Second, MemoryUsedGB: 4},
		{CPUBusy: 150 * time.Second, CPUTotal: 1100 * time.Second, MemoryUsedGB: 6},
	}
	i := 0
	s := NewUsageSampler(func() UsageReading {
		r := readings[i]
		i++
		return r
	})

	// First sample only seeds the previous reading.
	s.Sample()
	if got := s.CPUPercent(); got != 0 {
		t.Fatalf("CPUPercent after seed = %f, want 0", got)
	}

	// 50s busy over a 100s interval.
	s.Sample()
	if got := s.CPUPercent(); got != 50 {
		t.Fatalf("CPUPercent = %f, want 50", got)
	}
	if got := s.MemoryUsedGB(); got != 6 {
		t.Fatalf("MemoryUsedGB = %f, want 6", got)
	}
}

func TestUsageSamplerClampsOutOfRange(t *testing.T) {
	readings := []UsageReading{
		{CPUBusy: 100 * time.Second, CPUTotal: 100 * time.Second},
		// Counter wrap makes busy exceed the interval.
		{CPUBusy: 300 * time.Second, CPUTotal: 200 * time.Second},
	}
	i := 0
	s := NewUsageSampler(func() UsageReading {
		r := readings[i]
		i++
		return r
	})

	s.Sample()
	s.Sample()
	if got := s.CPUPercent(); got != 100 {
		t.Fatalf("CPUPercent = %f, want clamp at 100", got)
	}
}

func TestDetectHardwareUsesRuntimeCores(t *testing.T) {
	p := DetectHardware(32)
	if p.Cores <= 0 {
		t.Fatalf("Cores = %d", p.Cores)
	}
	if p.MemoryGB != 32 {
		t.Fatalf("MemoryGB = %f", p.MemoryGB)
	}
}
