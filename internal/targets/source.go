package targets

import (
	"bytes"
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/viper"

	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

// Key is the config key holding the target list in files and S3 objects.
const Key = "targets"

// Source yields raw target URLs. Validation happens in Load.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// Static is an already split list, typically SplitList of a flag or env
// value. Entries are returned as they are; a comma inside one stays there.
type Static []string

func (Static) Name() string { return "static" }

func (s Static) Fetch(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// FileSource reads the "targets" key from a YAML, JSON or TOML file.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Fetch(context.Context) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(f.Path)
	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Wrapf(err, "read targets file %s", f.Path)
	}
	return listFrom(v), nil
}

// SSMAPI is the part of the SSM client the loader needs.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads a String or StringList parameter of comma or newline
// separated URLs.
type SSMSource struct {
	Client SSMAPI
	Param  string
}

func (s SSMSource) Name() string { return "ssm:" + s.Param }

func (s SSMSource) Fetch(ctx context.Context) ([]string, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.Param)
	}
	return SplitList(*out.Parameter.Value), nil
}

// S3API is the part of the S3 client the loader needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the "targets" key from a YAML or JSON object. The format
// follows the key's extension and defaults to YAML.
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s S3Source) Name() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s S3Source) Fetch(ctx context.Context) ([]string, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object %s", s.Name())
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object %s", s.Name())
	}

	v := viper.New()
	v.SetConfigType(configType(s.Key))
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, xerrors.Wrapf(err, "parse S3 object %s", s.Name())
	}
	return listFrom(v), nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", xerrors.Newf("S3 URI %q must start with s3://", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", xerrors.Newf("S3 URI %q must name a bucket and an object key", uri)
	}
	return bucket, path.Clean(key), nil
}

// Load fetches every source in order, concatenates the results and validates
// them. Any fetch or validation failure fails the whole load.
func Load(ctx context.Context, srcs ...Source) ([]Target, error) {
	var raws []string
	for _, src := range srcs {
		if src == nil {
			continue
		}
		got, err := src.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		raws = append(raws, got...)
	}
	ts, err := Parse(raws)
	if err != nil {
		return nil, xerrors.Wrap(err, "invalid configured targets")
	}
	return ts, nil
}

// SplitList splits on commas and newlines, trims each entry and drops blanks.
// A URL whose query needs a literal comma must spell it %2C in any
// comma-separated source (flag, env, SSM String parameter).
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// listFrom accepts either a list or a single comma separated string.
func listFrom(v *viper.Viper) []string {
	if _, ok := v.Get(Key).(string); ok {
		return SplitList(v.GetString(Key))
	}
	var out []string
	for _, s := range v.GetStringSlice(Key) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func configType(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}
