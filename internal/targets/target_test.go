package targets_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/keithlinneman/readiness-proxy/internal/targets"
)

var _ = Describe("Target", func() {
	Describe("New", func() {
		DescribeTable("accepts absolute http(s) URLs",
			func(raw, want string) {
				t, err := targets.New(raw)
				Expect(err).NotTo(HaveOccurred())
				Expect(t.URL()).To(Equal(want))
			},
			Entry("http with path", "http://orders.internal.example.com/health", "http://orders.internal.example.com/health"),
			Entry("https with port", "https://api.example.com:8443/ready", "https://api.example.com:8443/ready"),
			Entry("ip address", "http://10.0.0.5:8080/actuator/health", "http://10.0.0.5:8080/actuator/health"),
			Entry("comma in query", "http://example.com/health?checks=db,cache", "http://example.com/health?checks=db,cache"),
		)

		DescribeTable("rejects malformed input",
			func(raw string) {
				_, err := targets.New(raw)
				Expect(err).To(HaveOccurred())
			},
			Entry("empty", ""),
			Entry("blank", "   "),
			Entry("relative path", "/health"),
			Entry("missing scheme", "example.com/health"),
			Entry("unsupported scheme", "ftp://example.com/health"),
			Entry("no host", "http:///health"),
			Entry("garbage", "not a url"),
			Entry("leading whitespace", " http://example.com/health"),
			Entry("trailing newline", "http://example.com/health\n"),
		)
	})

	Describe("Parse", func() {
		It("preserves order and duplicates", func() {
			ts, err := targets.Parse([]string{
				"http://b.example.com/health",
				"http://a.example.com/health",
				"http://b.example.com/health",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(targets.URLs(ts)).To(Equal([]string{
				"http://b.example.com/health",
				"http://a.example.com/health",
				"http://b.example.com/health",
			}))
		})

		It("returns an empty list for empty input", func() {
			ts, err := targets.Parse(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ts).To(BeEmpty())
		})

		It("reports every invalid entry", func() {
			_, err := targets.Parse([]string{"http://ok.example.com", "bad one", "", "ftp://x.example.com"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("target 1"))
			Expect(err.Error()).To(ContainSubstring("target 2"))
			Expect(err.Error()).To(ContainSubstring("target 3"))
			Expect(err.Error()).NotTo(ContainSubstring("target 0"))
		})
	})

	Describe("SplitList", func() {
		It("splits on commas and newlines and drops blanks", func() {
			Expect(targets.SplitList(" http://a.example.com ,\nhttp://b.example.com\r\n,,")).
				To(Equal([]string{"http://a.example.com", "http://b.example.com"}))
		})

		It("leaves an encoded comma intact", func() {
			Expect(targets.SplitList("http://a.example.com/h?c=db%2Ccache,http://b.example.com")).
				To(Equal([]string{"http://a.example.com/h?c=db%2Ccache", "http://b.example.com"}))
		})
	})
})
