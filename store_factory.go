package dsema

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/dsema/storage"
	"pkt.systems/dsema/storage/disk"
	"pkt.systems/dsema/storage/memory"
	"pkt.systems/dsema/storage/s3"
)

// Open constructs a storage backend from a store URL:
//
//	mem://                                  in-process, for tests and single-process use
//	disk:///var/lib/dsema[?watch=false]     filesystem shared between processes
//	s3://host[:port]/bucket[/prefix]        generic S3-compatible endpoint
//	aws://bucket[/prefix]?region=eu-north-1 AWS S3
//
// S3 credentials come from DSEMA_S3_ACCESS_KEY_ID / DSEMA_S3_SECRET_ACCESS_KEY
// (generic endpoints) or the usual AWS environment/credential chain (aws://).
func Open(storeURL string) (storage.Backend, error) {
	u, err := url.Parse(strings.TrimSpace(storeURL))
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return memory.New(), nil
	case "disk":
		cfg, err := buildDiskConfig(u)
		if err != nil {
			return nil, err
		}
		return disk.New(cfg)
	case "s3":
		cfg, err := buildGenericS3Config(u)
		if err != nil {
			return nil, err
		}
		return s3.New(cfg)
	case "aws":
		cfg, err := buildAWSConfig(u)
		if err != nil {
			return nil, err
		}
		return s3.New(cfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func buildDiskConfig(u *url.URL) (disk.Config, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/dsema)")
	}
	cfg := disk.Config{Root: filepath.Clean(pathPart), Watch: true}
	if v := u.Query().Get("watch"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			cfg.Watch = ok
		}
	}
	return cfg, nil
}

func buildGenericS3Config(u *url.URL) (s3.Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, err := splitBucketPrefix(u.Path)
	if err != nil {
		return s3.Config{}, err
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := true
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    resolveS3Credentials(),
	}, nil
}

func buildAWSConfig(u *url.URL) (s3.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	if region == "" {
		return s3.Config{}, fmt.Errorf("aws store requires region (set ?region= or AWS_REGION)")
	}
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}
	return s3.Config{
		Endpoint: endpoint,
		Region:   region,
		Bucket:   bucket,
		Prefix:   prefix,
	}, nil
}

func splitBucketPrefix(path string) (string, string, error) {
	path = strings.Trim(strings.TrimPrefix(path, "/"), "/")
	if path == "" {
		return "", "", fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return "", "", fmt.Errorf("s3 store missing bucket name")
	}
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

func resolveS3Credentials() *minioCredentials.Credentials {
	accessKey := strings.TrimSpace(os.Getenv("DSEMA_S3_ACCESS_KEY_ID"))
	secretKey := os.Getenv("DSEMA_S3_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("DSEMA_S3_SESSION_TOKEN")
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if accessKey == "" || secretKey == "" {
		// fall back to the client's default chain
		return nil
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken)
}
