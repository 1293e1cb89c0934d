package dsema

import (
	"net/url"
	"testing"

	"pkt.systems/dsema/storage/disk"
	"pkt.systems/dsema/storage/memory"
)

func TestOpenMemory(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"mem://", "memory://", ""} {
		backend, err := Open(raw)
		if err != nil {
			t.Fatalf("Open(%q): %v", raw, err)
		}
		if _, ok := backend.(*memory.Store); !ok {
			t.Fatalf("Open(%q) = %T, want *memory.Store", raw, backend)
		}
		backend.Close()
	}
}

func TestOpenDisk(t *testing.T) {
	t.Parallel()
	backend, err := Open("disk://" + t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("Open disk = %T, want *disk.Store", backend)
	}
}

func TestOpenDiskRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open("disk://"); err == nil {
		t.Fatalf("expected error for disk URL without path")
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	t.Parallel()
	if _, err := Open("redis://localhost:6379"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	t.Parallel()
	u, err := url.Parse("s3://minio.internal:9000/permits/team-a?scheme=http&path-style=true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := buildGenericS3Config(u)
	if err != nil {
		t.Fatalf("buildGenericS3Config: %v", err)
	}
	if cfg.Endpoint != "minio.internal:9000" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Bucket != "permits" || cfg.Prefix != "team-a" {
		t.Fatalf("bucket/prefix = %q/%q", cfg.Bucket, cfg.Prefix)
	}
	if !cfg.Insecure {
		t.Fatalf("expected insecure for scheme=http")
	}
	if !cfg.ForcePathStyle {
		t.Fatalf("expected path-style addressing")
	}
}

func TestBuildGenericS3ConfigMissingBucket(t *testing.T) {
	t.Parallel()
	u, err := url.Parse("s3://minio.internal:9000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := buildGenericS3Config(u); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Parallel()
	u, err := url.Parse("aws://permits/prod?region=eu-north-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := buildAWSConfig(u)
	if err != nil {
		t.Fatalf("buildAWSConfig: %v", err)
	}
	if cfg.Bucket != "permits" || cfg.Prefix != "prod" {
		t.Fatalf("bucket/prefix = %q/%q", cfg.Bucket, cfg.Prefix)
	}
	if cfg.Region != "eu-north-1" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if cfg.Endpoint != "s3.eu-north-1.amazonaws.com" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
}

func TestBuildAWSConfigRequiresRegion(t *testing.T) {
	u, err := url.Parse("aws://permits")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	t.Setenv("AWS_REGION", "")
	if _, err := buildAWSConfig(u); err == nil {
		t.Fatalf("expected error when no region is configured")
	}
}
