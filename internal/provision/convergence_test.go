package provision

import (
	"context"
	"errors"

	"github.com/blockprov/blockprov/pkg/provision/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var _ = Describe("Provisioner convergence", func() {
	var (
		ctx  context.Context
		node *fakeNode
		req  types.StorageRequest
	)

	BeforeEach(func() {
		ctx = logf.IntoContext(context.Background(), logf.Log.WithName("provision-test"))
		node = newFakeNode()
		req = types.StorageRequest{
			Layout:            types.LayoutStripe,
			DeviceCount:       2,
			Nickname:          "Data_1",
			TotalSize:         50,
			Filesystem:        "xfs",
			MountPoint:        "/mnt/data",
			EncryptionEnabled: true,
			EncryptionKey:     "secret",
			DetachTimeoutBase: 120,
		}
	})

	It("should reach the mounted state on a fresh node", func() {
		result, err := New(node.collaborators()).Run(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(StateMounted))
		Expect(result.Target).To(Equal("/dev/mapper/encrypted-data--1--vg-data--1--lv"))
		Expect(node.mounts).To(HaveKeyWithValue("/mnt/data", result.Target))
		Expect(node.enabled).To(HaveKeyWithValue("/mnt/data", true))
		Expect(node.filesystems).To(HaveKeyWithValue(result.Target, "xfs"))
		Expect(node.config).To(HaveKeyWithValue("decommission_timeout", "240"))
		Expect(node.mutations).To(ContainElements(
			"create volume Data_1_1",
			"create volume Data_1_2",
			"vgcreate data-1-vg",
			"lvcreate data-1-lv",
			"luksFormat /dev/mapper/data--1--vg-data--1--lv",
			"luksOpen encrypted-data--1--vg-data--1--lv",
		))
	})

	It("should not change a converged node", func() {
		p := New(node.collaborators())
		_, err := p.Run(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		node.mutations = nil
		result, err := p.Run(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(StateMounted))
		Expect(node.mutations).To(BeEmpty())
		Expect(result.Count(OutcomeSkipped)).To(Equal(3))
	})

	It("should resume after a failed run", func() {
		node.failures["Open"] = errors.New("device busy")
		result, err := New(node.collaborators()).Run(ctx, req)
		Expect(err).To(HaveOccurred())
		Expect(result.State).To(Equal(StateAborted))
		Expect(node.mounts).To(BeEmpty())

		delete(node.failures, "Open")
		node.mutations = nil
		result, err = New(node.collaborators()).Run(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.State).To(Equal(StateMounted))
		Expect(node.mutations).NotTo(ContainElement("luksFormat /dev/mapper/data--1--vg-data--1--lv"))
		Expect(node.mutations).To(ContainElement("luksOpen encrypted-data--1--vg-data--1--lv"))
	})

	It("should mount a restored stripe without creating a filesystem", func() {
		node.restore = types.DeviceHandle{Devices: []string{"/dev/xvdf", "/dev/xvdg"}}
		req.RestoreLineage = "nightly"
		req.EncryptionEnabled = false

		result, err := New(node.collaborators()).Run(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Mode).To(Equal(ModeRestore))
		Expect(node.filesystems).To(BeEmpty())
		Expect(node.mounts).To(HaveKeyWithValue("/mnt/data", "/dev/mapper/data--1--vg-data--1--lv"))
	})
})
