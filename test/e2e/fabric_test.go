// Copyright 2024 The Fabric Device Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package e2e_test

import (
	"context"
	"net/http/httptest"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
	"github.com/accelfabric/fabric-device-manager/pkg/control"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

const (
	fabricDSP   = "4a5bc981e0f3529ac4d2770096873f1d"
	fabricVideo = "b83f2d1c6a7e49e0952cc8ab14206de3"

	imageFirA = "f7e2c1a95b3d48d6a1c05e7f3b29d480"
	imageFirB = "0c93d7aa51e64b28b764fe2d90c41ccd"
	imageScal = "6d1f40b2c95e4e8fbb0812a6d3579c22"
)

// gateExecutor holds every command until the test releases it, so pending
// counts stay observable for as long as a scenario needs them.
type gateExecutor struct {
	release chan struct{}
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{release: make(chan struct{}, 64)}
}

func (e *gateExecutor) Execute(ctx context.Context, cmd *scheduler.Command) error {
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *gateExecutor) releaseOne() {
	e.release <- struct{}{}
}

func buildImage(fabricUUID, imageUUID string, cus ...bitstream.FabCu) []byte {
	if len(cus) == 0 {
		cus = []bitstream.FabCu{{Name: "fir_0", BaseAddress: 0x80000000, Size: 0x1000}}
	}

	payload, err := bitstream.PackFAB(bitstream.FabMetadata{
		Version:      1,
		FabricUUID:   fabricUUID,
		ImageUUID:    imageUUID,
		ComputeUnits: cus,
	}, []byte("e2e bitstream bits"))
	gomega.Expect(err).To(gomega.BeNil())

	return payload
}

func loadReq(payload []byte, slot int, noWait bool) control.LoadBitstreamRequest {
	req := control.LoadBitstreamRequest{NoWait: noWait, Payload: payload}
	if slot >= 0 {
		req.SlotID = &slot
	}

	return req
}

func init() {
	ginkgo.Describe("Fabric device manager [Device:fabric]", describe)
}

func describe() {
	var (
		gate   *gateExecutor
		cancel context.CancelFunc
		server *httptest.Server
		api    *control.Client
		client string
	)

	ginkgo.BeforeEach(func(ctx context.Context) {
		gate = newGateExecutor()
		fifo := scheduler.NewFIFO(gate, 16, klog.Background())

		runCtx, stop := context.WithCancel(context.Background())
		cancel = stop

		go fifo.Run(runCtx)

		partitions, err := aie.NewManager([]aie.PartitionConfig{
			{ID: 0, StartColumn: 0, NumColumns: 25, MinFreqMHz: 100, MaxFreqMHz: 1250, DefaultFreqMHz: 1000},
		}, klog.Background())
		gomega.Expect(err).To(gomega.BeNil())

		device, err := fabric.NewDevice(fabric.Config{
			SlotCount: 2,
			Scheduler: fifo,
			Aie:       partitions,
		})
		gomega.Expect(err).To(gomega.BeNil())

		server = httptest.NewServer(control.NewServer(device))
		api = control.NewClient(server.URL)

		client, err = api.OpenClient(ctx, false)
		gomega.Expect(err).To(gomega.BeNil())
	})

	ginkgo.AfterEach(func() {
		server.Close()
		cancel()
	})

	ginkgo.Context("when a bitstream has live contexts", func() {
		ginkgo.It("refuses the swap until the last context is destroyed", func(ctx context.Context) {
			ginkgo.By("loading the first image")

			info, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA), 0, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(info.Generation).To(gomega.Equal(uint64(1)))

			ginkgo.By("binding a hardware context to it")

			created, err := api.CreateContext(ctx, client, 0)
			gomega.Expect(err).To(gomega.BeNil())

			ginkgo.By("trying to load a second image into the same slot")

			_, err = api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirB), 0, true))
			gomega.Expect(err).To(gomega.MatchError(fabric.ErrSlotBusy))

			ginkgo.By("destroying the context")
			gomega.Expect(api.DestroyContext(ctx, client, created.ContextID)).To(gomega.Succeed())

			ginkgo.By("loading the second image")

			info, err = api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirB), 0, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(info.Generation).To(gomega.Equal(uint64(2)))
		})

		ginkgo.It("keeps the other slot loadable", func(ctx context.Context) {
			_, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA), 0, false))
			gomega.Expect(err).To(gomega.BeNil())

			_, err = api.CreateContext(ctx, client, 0)
			gomega.Expect(err).To(gomega.BeNil())

			info, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricVideo, imageScal), 1, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(info.SlotID).To(gomega.Equal(1))
			gomega.Expect(info.Generation).To(gomega.Equal(uint64(1)))
		})

		ginkgo.It("places auto-addressed loads by fabric family, then first empty slot", func(ctx context.Context) {
			first, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA), -1, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(first.SlotID).To(gomega.Equal(0))

			second, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricVideo, imageScal), -1, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(second.SlotID).To(gomega.Equal(1))

			third, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirB), -1, false))
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(third.SlotID).To(gomega.Equal(0))
			gomega.Expect(third.Generation).To(gomega.Equal(uint64(2)))
		})
	})

	ginkgo.Context("when commands are in flight", func() {
		ginkgo.It("holds the swap back until the queue drains", func(ctx context.Context) {
			_, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA), 0, false))
			gomega.Expect(err).To(gomega.BeNil())

			ginkgo.By("submitting a command the executor holds open")

			commandID, err := api.SubmitSlotCommand(ctx, client, 0, control.SubmitCommandRequest{CuMask: 0x1})
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(commandID).NotTo(gomega.BeEmpty())

			_, err = api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirB), 0, true))
			gomega.Expect(err).To(gomega.MatchError(fabric.ErrSlotBusy))

			ginkgo.By("letting the command finish")
			gate.releaseOne()

			gomega.Eventually(func() error {
				_, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirB), 0, true))
				return err
			}).WithTimeout(5 * time.Second).Should(gomega.Succeed())

			info, err := api.ClientInfo(ctx, client)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(info.Stats.CommandsSubmitted).To(gomega.Equal(uint64(1)))
			gomega.Expect(info.Stats.CommandsCompleted).To(gomega.Equal(uint64(1)))
		})
	})

	ginkgo.Context("when CU contexts are opened", func() {
		ginkgo.It("enforces exclusive opens and strict close pairing", func(ctx context.Context) {
			layout := []bitstream.FabCu{
				{Name: "fir_0", BaseAddress: 0x80000000, Size: 0x1000},
				{Name: "fir_1", BaseAddress: 0x80001000, Size: 0x1000},
			}

			info, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA, layout...), 0, false))
			gomega.Expect(err).To(gomega.BeNil())

			created, err := api.CreateContext(ctx, client, 0)
			gomega.Expect(err).To(gomega.BeNil())

			base := info.CuIndexBase

			gomega.Expect(api.OpenCuContext(ctx, client, created.ContextID, base)).To(gomega.Succeed())
			gomega.Expect(api.OpenCuContext(ctx, client, created.ContextID, base+1)).To(gomega.Succeed())

			gomega.Expect(api.OpenCuContext(ctx, client, created.ContextID, base)).
				To(gomega.MatchError(fabric.ErrAlreadyOpen))
			gomega.Expect(api.OpenCuContext(ctx, client, created.ContextID, base+9)).
				To(gomega.MatchError(fabric.ErrNotFound))

			gomega.Expect(api.CloseCuContext(ctx, client, created.ContextID, base+1)).To(gomega.Succeed())
			gomega.Expect(api.CloseCuContext(ctx, client, created.ContextID, base+1)).
				To(gomega.MatchError(fabric.ErrNotOpen))

			ginkgo.By("destroying the context with one CU still open")
			gomega.Expect(api.DestroyContext(ctx, client, created.ContextID)).To(gomega.Succeed())
			gomega.Expect(api.DestroyContext(ctx, client, created.ContextID)).
				To(gomega.MatchError(fabric.ErrNotFound))

			status, err := api.Status(ctx)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(status.Slots[0].LiveContexts).To(gomega.Equal(0))
		})
	})

	ginkgo.Context("when errors are injected", func() {
		ginkgo.It("requires a privileged client and journals the record", func(ctx context.Context) {
			desc := fabric.ErrorDescriptor{Class: "firewall", Module: "axi", Severity: "critical", Number: 7}

			gomega.Expect(api.InjectError(ctx, client, desc)).To(gomega.MatchError(fabric.ErrDenied))

			admin, err := api.OpenClient(ctx, true)
			gomega.Expect(err).To(gomega.BeNil())

			gomega.Expect(api.InjectError(ctx, admin, desc)).To(gomega.Succeed())

			records, err := api.Errors(ctx)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(records).To(gomega.HaveLen(1))
			gomega.Expect(records[0].Class).To(gomega.Equal("firewall"))
			gomega.Expect(records[0].Number).To(gomega.Equal(7))
		})
	})

	ginkgo.Context("when a client goes away", func() {
		ginkgo.It("releases every context and AIE handle it held", func(ctx context.Context) {
			_, err := api.LoadBitstream(ctx, client, loadReq(buildImage(fabricDSP, imageFirA), -1, false))
			gomega.Expect(err).To(gomega.BeNil())

			_, err = api.CreateContext(ctx, client, 0)
			gomega.Expect(err).To(gomega.BeNil())

			_, err = api.AieRequestHandle(ctx, client, 0, 0)
			gomega.Expect(err).To(gomega.BeNil())

			ginkgo.By("closing the client")
			gomega.Expect(api.CloseClient(ctx, client)).To(gomega.Succeed())

			contexts, err := api.Contexts(ctx)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(contexts).To(gomega.BeEmpty())

			_, err = api.ClientInfo(ctx, client)
			gomega.Expect(err).To(gomega.MatchError(fabric.ErrNotFound))

			fresh, err := api.OpenClient(ctx, false)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(api.AieReset(ctx, fresh)).To(gomega.Succeed())
		})
	})

	ginkgo.Context("AI engine partitions", func() {
		ginkgo.It("refuses a reset while handles are out and scales frequency", func(ctx context.Context) {
			handle, err := api.AieRequestHandle(ctx, client, 0, 0x1)
			gomega.Expect(err).To(gomega.BeNil())

			gomega.Expect(api.AieReset(ctx, client)).To(gomega.MatchError(aie.ErrBusy))

			gomega.Expect(api.AieSetFrequency(ctx, client, 0, 1250)).To(gomega.Succeed())

			status, err := api.Status(ctx)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(status.Partitions[0].FreqMHz).To(gomega.Equal(uint64(1250)))

			gomega.Expect(api.AieReleaseHandle(ctx, client, handle.ID)).To(gomega.Succeed())
			gomega.Expect(api.AieReset(ctx, client)).To(gomega.Succeed())

			ginkgo.By("checking the reset restored the default frequency")

			status, err = api.Status(ctx)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(status.Partitions[0].FreqMHz).To(gomega.Equal(uint64(1000)))
		})
	})
}
