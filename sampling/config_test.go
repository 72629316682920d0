package sampling

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("HangingDetectionConfig", func() {
	setenv := func(name, value string) {
		Expect(os.Setenv(name, value)).To(Succeed())
		DeferCleanup(os.Unsetenv, name)
	}

	It("should have valid defaults", func() {
		c := DefaultHangingDetectionConfig()

		Expect(c.Validate()).To(Succeed())
		Expect(c.TimeoutThreshold).To(Equal(30 * time.Second))
		Expect(c.MaxActiveCalls).To(Equal(1000))
		Expect(c.AlertOnHanging).To(BeTrue())
	})

	It("should not modify the receiver when building", func() {
		c := DefaultHangingDetectionConfig()

		changed := c.WithTimeoutThreshold(time.Second).WithMaxActiveCalls(5)

		Expect(c.TimeoutThreshold).To(Equal(30 * time.Second))
		Expect(changed.TimeoutThreshold).To(Equal(time.Second))
		Expect(changed.MaxActiveCalls).To(Equal(5))
	})

	It("should reject unusable values", func() {
		c := DefaultHangingDetectionConfig().
			WithTimeoutThreshold(0).
			WithMaxActiveCalls(-1)

		err := c.Validate()

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("timeout threshold"))
		Expect(err.Error()).To(ContainSubstring("max active calls"))
	})

	It("should read overrides from the environment", func() {
		setenv(EnvTimeoutThreshold, "1500")
		setenv(EnvEventLoopLagThreshold, "250ms")
		setenv(EnvAlertOnHanging, "false")
		setenv(EnvCPUThreshold, "42.5")

		c, err := LoadHangingDetectionConfig()

		Expect(err).NotTo(HaveOccurred())
		Expect(c.TimeoutThreshold).To(Equal(1500 * time.Millisecond))
		Expect(c.EventLoopLagThreshold).To(Equal(250 * time.Millisecond))
		Expect(c.AlertOnHanging).To(BeFalse())
		Expect(c.CPUThreshold).To(Equal(42.5))
	})

	It("should read .env files and ignore missing ones", func() {
		dir, err := os.MkdirTemp("", "hangwatch")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		DeferCleanup(os.Unsetenv, EnvMaxActiveCalls)
		DeferCleanup(os.Unsetenv, EnvMemoryThreshold)

		envFile := filepath.Join(dir, ".env")
		Expect(os.WriteFile(envFile, []byte(
			EnvMaxActiveCalls+"=7\n"+EnvMemoryThreshold+"=2048\n"), 0o600)).
			To(Succeed())

		c, err := LoadHangingDetectionConfig(
			filepath.Join(dir, "missing.env"), envFile)

		Expect(err).NotTo(HaveOccurred())
		Expect(c.MaxActiveCalls).To(Equal(7))
		Expect(c.MemoryThreshold).To(Equal(uint64(2048)))
	})

	It("should report malformed values", func() {
		setenv(EnvMaxActiveCalls, "many")

		_, err := LoadHangingDetectionConfig()

		Expect(err).To(MatchError(ContainSubstring(EnvMaxActiveCalls)))
	})
})
