package targets_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/keithlinneman/readiness-proxy/internal/targets"
)

var _ = Describe("Store", func() {
	It("starts empty when given no targets", func() {
		s := targets.NewStore(nil)
		Expect(s.Get()).To(BeEmpty())
		Expect(s.Len()).To(Equal(0))
	})

	It("returns the list it was given in order", func() {
		ts, err := targets.Parse([]string{"http://b.example.com", "http://a.example.com"})
		Expect(err).NotTo(HaveOccurred())

		s := targets.NewStore(ts)
		Expect(targets.URLs(s.Get())).To(Equal([]string{"http://b.example.com", "http://a.example.com"}))
		Expect(s.Len()).To(Equal(2))
	})

	It("is not affected by later changes to the caller's slice", func() {
		ts, err := targets.Parse([]string{"http://a.example.com"})
		Expect(err).NotTo(HaveOccurred())

		s := targets.NewStore(ts)
		other, _ := targets.New("http://z.example.com")
		ts[0] = other
		Expect(targets.URLs(s.Get())).To(Equal([]string{"http://a.example.com"}))
	})

	It("replaces the whole list on Set", func() {
		first, _ := targets.Parse([]string{"http://a.example.com"})
		second, _ := targets.Parse([]string{"http://b.example.com", "http://c.example.com"})

		s := targets.NewStore(first)
		snap := s.Get()
		s.Set(second)

		Expect(targets.URLs(snap)).To(Equal([]string{"http://a.example.com"}))
		Expect(s.Len()).To(Equal(2))
	})
})
