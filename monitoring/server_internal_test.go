package monitoring

import (
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = Describe("Listen address", func() {
	It("should use the configured port from the lowest allowed one", func() {
		gomega.Expect(listenAddress(1000)).To(gomega.Equal(":1000"))
		gomega.Expect(listenAddress(8765)).To(gomega.Equal(":8765"))
	})

	It("should pick a random port otherwise", func() {
		gomega.Expect(listenAddress(0)).To(gomega.Equal(":0"))
		gomega.Expect(listenAddress(999)).To(gomega.Equal(":0"))
	})

	It("should keep a port the monitor accepted", func() {
		m := NewMonitor().WithPortNumber(1000)

		gomega.Expect(listenAddress(m.portNumber)).To(gomega.Equal(":1000"))
	})
})
