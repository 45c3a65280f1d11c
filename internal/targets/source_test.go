package targets_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/keithlinneman/readiness-proxy/internal/targets"
)

type fakeSSM struct {
	value   *string
	err     error
	gotName string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotName = aws.ToString(in.Name)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

type fakeS3 struct {
	body      string
	err       error
	gotBucket string
	gotKey    string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotBucket, f.gotKey = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

var _ = Describe("Sources", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Static", func() {
		It("returns its entries unchanged", func() {
			got, err := targets.Static{"http://a.example.com/health", "http://c.example.com"}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"http://a.example.com/health", "http://c.example.com"}))
		})

		It("keeps a comma inside a query string", func() {
			src := targets.Static{"http://x.example.com/health?checks=db,cache"}
			got, err := src.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"http://x.example.com/health?checks=db,cache"}))

			ts, err := targets.Load(ctx, src)
			Expect(err).NotTo(HaveOccurred())
			Expect(targets.URLs(ts)).To(Equal([]string{"http://x.example.com/health?checks=db,cache"}))
		})
	})

	Describe("FileSource", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		write := func(name, content string) string {
			p := filepath.Join(dir, name)
			Expect(os.WriteFile(p, []byte(content), 0o644)).To(Succeed())
			return p
		}

		It("reads a YAML list", func() {
			p := write("targets.yaml", `
targets:
  - http://orders.example.com/health
  - http://payments.example.com/health
`)
			got, err := targets.FileSource{Path: p}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"http://orders.example.com/health", "http://payments.example.com/health"}))
		})

		It("reads a JSON list", func() {
			p := write("targets.json", `{"targets":["http://a.example.com/health"]}`)
			got, err := targets.FileSource{Path: p}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"http://a.example.com/health"}))
		})

		It("accepts a comma separated string value", func() {
			p := write("targets.yaml", "targets: \"http://a.example.com, http://b.example.com\"\n")
			got, err := targets.FileSource{Path: p}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]string{"http://a.example.com", "http://b.example.com"}))
		})

		It("fails for a missing file", func() {
			_, err := targets.FileSource{Path: filepath.Join(dir, "nope.yaml")}.Fetch(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SSMSource", func() {
		It("splits a StringList value", func() {
			f := &fakeSSM{value: aws.String("http://a.example.com/health,http://b.example.com/health")}
			got, err := targets.SSMSource{Client: f, Param: "/proxy/targets"}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.gotName).To(Equal("/proxy/targets"))
			Expect(got).To(HaveLen(2))
		})

		It("wraps client errors", func() {
			f := &fakeSSM{err: errors.New("access denied")}
			_, err := targets.SSMSource{Client: f, Param: "/p"}.Fetch(ctx)
			Expect(err).To(MatchError(ContainSubstring("access denied")))
			Expect(err.Error()).To(ContainSubstring("/p"))
		})

		It("fails when the parameter has no value", func() {
			_, err := targets.SSMSource{Client: &fakeSSM{}, Param: "/p"}.Fetch(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("S3Source", func() {
		It("parses a YAML object", func() {
			f := &fakeS3{body: "targets:\n  - http://a.example.com/health\n"}
			got, err := targets.S3Source{Client: f, Bucket: "cfg", Key: "proxy/targets.yaml"}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.gotBucket).To(Equal("cfg"))
			Expect(f.gotKey).To(Equal("proxy/targets.yaml"))
			Expect(got).To(Equal([]string{"http://a.example.com/health"}))
		})

		It("parses a JSON object", func() {
			f := &fakeS3{body: `{"targets":["http://a.example.com","http://b.example.com"]}`}
			got, err := targets.S3Source{Client: f, Bucket: "cfg", Key: "targets.json"}.Fetch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})

		It("fails on a malformed object", func() {
			f := &fakeS3{body: `{"targets":`}
			_, err := targets.S3Source{Client: f, Bucket: "cfg", Key: "targets.json"}.Fetch(ctx)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ParseS3URI", func() {
		It("splits bucket and key", func() {
			b, k, err := targets.ParseS3URI("s3://my-bucket/path/to/targets.yaml")
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(Equal("my-bucket"))
			Expect(k).To(Equal("path/to/targets.yaml"))
		})

		DescribeTable("rejects",
			func(uri string) {
				_, _, err := targets.ParseS3URI(uri)
				Expect(err).To(HaveOccurred())
			},
			Entry("wrong scheme", "https://bucket/key"),
			Entry("no key", "s3://bucket"),
			Entry("directory key", "s3://bucket/dir/"),
			Entry("no bucket", "s3:///key"),
		)
	})

	Describe("Load", func() {
		It("concatenates sources in order and validates", func() {
			ts, err := targets.Load(ctx,
				targets.Static{"http://a.example.com/health"},
				nil,
				targets.SSMSource{Client: &fakeSSM{value: aws.String("http://b.example.com/health")}, Param: "/p"},
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(targets.URLs(ts)).To(Equal([]string{"http://a.example.com/health", "http://b.example.com/health"}))
		})

		It("fails when any entry is invalid", func() {
			_, err := targets.Load(ctx, targets.Static{"http://a.example.com", "nope"})
			Expect(err).To(MatchError(ContainSubstring("invalid configured targets")))
		})

		It("fails when a source fails", func() {
			_, err := targets.Load(ctx, targets.SSMSource{Client: &fakeSSM{err: errors.New("boom")}, Param: "/p"})
			Expect(err).To(HaveOccurred())
		})

		It("allows an empty configuration", func() {
			ts, err := targets.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ts).To(BeEmpty())
		})
	})
})
