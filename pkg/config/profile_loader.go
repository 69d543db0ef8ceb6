package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/excalibur-labs/dispatch/pkg/audit/export"
	"github.com/excalibur-labs/dispatch/pkg/kms"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

// Duration unmarshals YAML duration strings such as "30s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is a named runtime profile carrying the recognized option
// blocks. Absent values take each package's documented defaults;
// options that default to on are pointers so an absent key stays
// distinguishable from an explicit false.
type Profile struct {
	Name          string               `yaml:"name"`
	Applicability ApplicabilityProfile `yaml:"applicability"`
	Invoker       InvokerProfile       `yaml:"invoker"`
	Exporter      ExporterProfile      `yaml:"exporter"`
	KMS           KMSProfile           `yaml:"kms"`
	Migration     MigrationProfile     `yaml:"migration"`
	MultiRegion   MultiRegionProfile   `yaml:"multiRegion"`
}

// ApplicabilityProfile tunes middleware applicability evaluation.
type ApplicabilityProfile struct {
	IncludeMiddlewareOnFilterError *bool `yaml:"includeMiddlewareOnFilterError"`
}

// InvokerProfile tunes pipeline chain assembly.
type InvokerProfile struct {
	EnableCaching *bool `yaml:"enableCaching"`
}

// ExporterProfile tunes the SIEM collector client.
type ExporterProfile struct {
	Endpoint            string   `yaml:"endpoint"`
	Token               string   `yaml:"token"`
	SourceType          string   `yaml:"sourceType"`
	Source              string   `yaml:"source"`
	Host                string   `yaml:"host"`
	Index               string   `yaml:"index"`
	Channel             string   `yaml:"channel"`
	MaxBatchSize        int      `yaml:"maxBatchSize"`
	RequestTimeout      Duration `yaml:"requestTimeout"`
	MaxRetryAttempts    int      `yaml:"maxRetryAttempts"`
	RetryBaseDelay      Duration `yaml:"retryBaseDelay"`
	EnableCompression   *bool    `yaml:"enableCompression"`
	ValidateCertificate *bool    `yaml:"validateCertificate"`
	UseAck              bool     `yaml:"useAck"`
}

// KMSProfile tunes the key provider.
type KMSProfile struct {
	KeyAliasPrefix               string   `yaml:"keyAliasPrefix"`
	Environment                  string   `yaml:"environment"`
	EnableAutoRotation           *bool    `yaml:"enableAutoRotation"`
	MetadataCacheDurationSeconds int      `yaml:"metadataCacheDurationSeconds"`
	DefaultDeletionRetentionDays int      `yaml:"defaultDeletionRetentionDays"`
	CreateMultiRegionKeys        bool     `yaml:"createMultiRegionKeys"`
	ReplicaRegions               []string `yaml:"replicaRegions"`
}

// MigrationProfile tunes batch re-encryption runs.
type MigrationProfile struct {
	MaxDegreeOfParallelism int      `yaml:"maxDegreeOfParallelism"`
	BatchSize              int      `yaml:"batchSize"`
	ContinueOnError        *bool    `yaml:"continueOnError"`
	ItemTimeout            Duration `yaml:"itemTimeout"`
	TrackProgress          *bool    `yaml:"trackProgress"`
}

// MultiRegionProfile tunes key replication targets and failover.
type MultiRegionProfile struct {
	ReplicationMode         string   `yaml:"replicationMode"`
	RPOTarget               Duration `yaml:"rpoTarget"`
	RTOTarget               Duration `yaml:"rtoTarget"`
	HealthCheckInterval     Duration `yaml:"healthCheckInterval"`
	FailoverThreshold       int      `yaml:"failoverThreshold"`
	EnableAutomaticFailover *bool    `yaml:"enableAutomaticFailover"`
}

// optedOut reports a default-on option explicitly set to false.
func optedOut(flag *bool) bool { return flag != nil && !*flag }

// PipelineOptions converts the applicability block.
func (p *Profile) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		IncludeOnFilterError: !optedOut(p.Applicability.IncludeMiddlewareOnFilterError),
	}
}

// InvokerOptions converts the invoker block.
func (p *Profile) InvokerOptions() pipeline.InvokerOptions {
	return pipeline.InvokerOptions{
		EnableCaching: !optedOut(p.Invoker.EnableCaching),
	}
}

// ExporterConfig converts the exporter block.
func (p *Profile) ExporterConfig() export.Config {
	return export.Config{
		Endpoint:           p.Exporter.Endpoint,
		Token:              p.Exporter.Token,
		SourceType:         p.Exporter.SourceType,
		Source:             p.Exporter.Source,
		Host:               p.Exporter.Host,
		Index:              p.Exporter.Index,
		Channel:            p.Exporter.Channel,
		MaxBatchSize:       p.Exporter.MaxBatchSize,
		RequestTimeout:     time.Duration(p.Exporter.RequestTimeout),
		MaxRetryAttempts:   p.Exporter.MaxRetryAttempts,
		RetryBaseDelay:     time.Duration(p.Exporter.RetryBaseDelay),
		DisableCompression: optedOut(p.Exporter.EnableCompression),
		InsecureSkipVerify: optedOut(p.Exporter.ValidateCertificate),
		UseAck:             p.Exporter.UseAck,
	}
}

// KMSConfig converts the kms and multiRegion blocks.
func (p *Profile) KMSConfig() kms.Config {
	return kms.Config{
		KeyAliasPrefix:               p.KMS.KeyAliasPrefix,
		Environment:                  p.KMS.Environment,
		DisableAutoRotation:          optedOut(p.KMS.EnableAutoRotation),
		MetadataCacheDuration:        time.Duration(p.KMS.MetadataCacheDurationSeconds) * time.Second,
		DefaultDeletionRetentionDays: p.KMS.DefaultDeletionRetentionDays,
		CreateMultiRegionKeys:        p.KMS.CreateMultiRegionKeys,
		ReplicaRegions:               p.KMS.ReplicaRegions,
		MultiRegion:                  p.MultiRegion.options(),
	}
}

// MigrationOptions converts the migration block.
func (p *Profile) MigrationOptions() kms.MigrationOptions {
	return kms.MigrationOptions{
		MaxDegreeOfParallelism:  p.Migration.MaxDegreeOfParallelism,
		BatchSize:               p.Migration.BatchSize,
		StopOnError:             optedOut(p.Migration.ContinueOnError),
		ItemTimeout:             time.Duration(p.Migration.ItemTimeout),
		DisableProgressTracking: optedOut(p.Migration.TrackProgress),
	}
}

func (m MultiRegionProfile) options() kms.MultiRegionOptions {
	return kms.MultiRegionOptions{
		ReplicationMode:          kms.ReplicationMode(m.ReplicationMode),
		RPOTarget:                time.Duration(m.RPOTarget),
		RTOTarget:                time.Duration(m.RTOTarget),
		HealthCheckInterval:      time.Duration(m.HealthCheckInterval),
		FailoverThreshold:        m.FailoverThreshold,
		DisableAutomaticFailover: optedOut(m.EnableAutomaticFailover),
	}
}

// LoadProfile loads the YAML runtime profile named profile_<name>.yaml
// from dir. The multi-region block is validated here so a bad profile
// fails at boot, not at first use.
func LoadProfile(dir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", name, err)
	}
	return parseProfile(data, name)
}

// LoadProfiles loads all profile_*.yaml files from dir, keyed by name.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		// Extract the name from the filename: profile_prod.yaml -> prod.
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")

		profile, err := parseProfile(data, name)
		if err != nil {
			return nil, err
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

func parseProfile(data []byte, name string) (*Profile, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.KMSConfig().MultiRegion.Validate(); err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", name, err)
	}
	return &profile, nil
}
