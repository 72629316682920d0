package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hangwatch/tracking"
)

func contextDeadline() error {
	return context.DeadlineExceeded
}

var _ = Describe("Entry", func() {
	It("should report elapsed time of active entries", func() {
		start := time.Now()
		e := tracking.Entry{Status: tracking.StatusActive, Timestamp: start}

		Expect(e.Elapsed(start.Add(time.Second))).To(Equal(time.Second))
		Expect(e.Elapsed(start.Add(-time.Second))).To(BeZero())
	})

	It("should report the recorded duration of finished entries", func() {
		d := 3 * time.Second
		e := tracking.Entry{
			Status:    tracking.StatusCompleted,
			Timestamp: time.Now(),
			Duration:  &d,
		}

		Expect(e.Elapsed(time.Now().Add(time.Hour))).To(Equal(d))
		Expect(e.IsHanging(time.Now().Add(time.Hour), time.Second)).To(BeFalse())
	})

	It("should classify results", func() {
		Expect(tracking.Succeeded().Status).To(Equal(tracking.StatusCompleted))
		Expect(tracking.Failed(errors.New("x")).Status).
			To(Equal(tracking.StatusError))
		Expect(tracking.Failed(contextDeadline()).Status).
			To(Equal(tracking.StatusTimeout))
		Expect(tracking.StatusActive.IsTerminal()).To(BeFalse())
	})
})

var _ = Describe("Metadata", func() {
	It("should keep insertion order", func() {
		md := tracking.NewMetadata().
			Set("z", tracking.String("last")).
			Set("a", tracking.Int(1)).
			Set("z", tracking.String("again"))

		Expect(md.Keys()).To(Equal([]string{"z", "a"}))
		v, ok := md.Get("z")
		Expect(ok).To(BeTrue())
		Expect(v.Text()).To(Equal("again"))
	})

	It("should encode and decode JSON in order", func() {
		inner := tracking.NewMetadata().Set("depth", tracking.Int(2))
		md := tracking.NewMetadata().
			Set("repo", tracking.String("hangwatch")).
			Set("retries", tracking.Number(1.5)).
			Set("dry", tracking.Bool(true)).
			Set("nested", tracking.Map(inner))

		b, err := json.Marshal(md)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal(
			`{"repo":"hangwatch","retries":1.5,"dry":true,"nested":{"depth":2}}`))

		decoded := tracking.NewMetadata()
		Expect(json.Unmarshal(b, decoded)).To(Succeed())
		Expect(decoded.Keys()).To(Equal([]string{"repo", "retries", "dry", "nested"}))

		nested, _ := decoded.Get("nested")
		m, ok := nested.AsMap()
		Expect(ok).To(BeTrue())
		depth, _ := m.Get("depth")
		n, _ := depth.AsNumber()
		Expect(n).To(Equal(2.0))
	})

	It("should reject arrays", func() {
		decoded := tracking.NewMetadata()

		err := json.Unmarshal([]byte(`{"a":[1,2]}`), decoded)

		Expect(err).To(HaveOccurred())
	})

	It("should encode non-finite numbers as strings", func() {
		md := tracking.NewMetadata().
			Set("ratio", tracking.Number(math.NaN())).
			Set("inner", tracking.Map(tracking.NewMetadata().
				Set("max", tracking.Number(math.Inf(1))).
				Set("min", tracking.Number(math.Inf(-1)))))

		b, err := json.Marshal(md)

		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal(
			`{"ratio":"NaN","inner":{"max":"+Inf","min":"-Inf"}}`))

		decoded := tracking.NewMetadata()
		Expect(json.Unmarshal(b, decoded)).To(Succeed())
		ratio, _ := decoded.Get("ratio")
		Expect(ratio.Kind()).To(Equal(tracking.KindString))
		Expect(ratio.Text()).To(Equal("NaN"))
	})

	It("should clone deeply", func() {
		inner := tracking.NewMetadata().Set("k", tracking.String("v"))
		md := tracking.NewMetadata().Set("inner", tracking.Map(inner))

		c := md.Clone()
		v, _ := c.Get("inner")
		m, _ := v.AsMap()
		m.Set("k", tracking.String("changed"))

		orig, _ := md.Get("inner")
		Expect(orig.Text()).To(Equal(`{"k":"v"}`))
	})

	It("should tolerate nil metadata", func() {
		var md *tracking.Metadata

		Expect(md.Len()).To(Equal(0))
		Expect(md.Clone()).To(BeNil())
		_, ok := md.Get("x")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("CaptureCaller", func() {
	It("should point at the calling function", func() {
		loc, stack := tracking.CaptureCaller(0)

		Expect(loc.FunctionName).To(ContainSubstring("tracking_test"))
		Expect(strings.HasSuffix(loc.FileName, "entry_test.go")).To(BeTrue())
		Expect(loc.LineNumber).To(BeNumerically(">", 0))
		Expect(stack).NotTo(BeEmpty())
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate sequential ids", func() {
		g := tracking.NewSequentialIDGenerator()

		Expect(g.Generate()).To(Equal("1"))
		Expect(g.Generate()).To(Equal("2"))
	})

	It("should generate distinct xids", func() {
		g := tracking.NewXIDGenerator()

		Expect(g.Generate()).NotTo(Equal(g.Generate()))
	})
})
