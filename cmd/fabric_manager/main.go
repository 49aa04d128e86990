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

package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/aie"
	"github.com/accelfabric/fabric-device-manager/pkg/bitstream"
	"github.com/accelfabric/fabric-device-manager/pkg/control"
	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
	"github.com/accelfabric/fabric-device-manager/pkg/scheduler"
)

const (
	defaultStoreDir   = "/srv/accelfabric/bitstreams"
	defaultListenAddr = ":7447"
	defaultSlotCount  = 2
	defaultQueueDepth = 64

	shutdownTimeout = 5 * time.Second
)

// managerOptions mirrors the daemon configuration file.
type managerOptions struct {
	SlotCount       int                   `yaml:"slotCount"`
	JournalCapacity int                   `yaml:"journalCapacity"`
	QueueDepth      int                   `yaml:"queueDepth"`
	StoreDir        string                `yaml:"storeDir"`
	Listen          string                `yaml:"listen"`
	Partitions      []aie.PartitionConfig `yaml:"partitions"`
}

func getOptionsByYAML(fname string) managerOptions {
	opts := managerOptions{
		SlotCount:  defaultSlotCount,
		QueueDepth: defaultQueueDepth,
		StoreDir:   defaultStoreDir,
		Listen:     defaultListenAddr,
	}

	if fname == "" {
		return verifyOptions(opts)
	}

	data, err := os.ReadFile(fname)
	if err != nil {
		klog.Fatalf("Unable to read config file %s: %v", fname, err)
	}

	klog.V(1).Infof("Using manager config from %s", fname)

	if err := yaml.Unmarshal(data, &opts); err != nil {
		klog.Fatalf("Unmarshaling config file %s failed: %v", fname, err)
	}

	return verifyOptions(opts)
}

func verifyOptions(opts managerOptions) managerOptions {
	if opts.SlotCount < 1 {
		klog.Fatalf("Invalid slot count: %d < 1", opts.SlotCount)
	}

	if opts.QueueDepth < 1 {
		klog.Fatalf("Invalid command queue depth: %d < 1", opts.QueueDepth)
	}

	if opts.Listen == "" {
		klog.Fatalf("No listen address provided")
	}

	return opts
}

// listen opens the control listener. Addresses of the form unix:<path> give
// a unix domain socket, anything else is a TCP host:port.
func listen(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "unix:") {
		path := strings.TrimPrefix(addr, "unix:")

		// Delete possible previous socket file
		_ = os.Remove(path)

		return net.Listen("unix", path)
	}

	return net.Listen("tcp", addr)
}

// watchStore follows the bitstream storage directory and logs inventory
// changes until the context is cancelled.
func watchStore(ctx context.Context, store *bitstream.Store) {
	updates := make(chan bitstream.StoreUpdate, 4)

	watcher, err := bitstream.NewWatcher(store, updates)
	if err != nil {
		klog.Errorf("Storage watching disabled: %+v", err)
		return
	}

	go func() {
		for update := range updates {
			for _, entry := range update.Added {
				klog.V(1).Infof("bitstream installed: fabric %s image %s", entry.FabricUUID, entry.ImageUUID)
			}

			for _, entry := range update.Removed {
				klog.V(1).Infof("bitstream removed: fabric %s image %s", entry.FabricUUID, entry.ImageUUID)
			}
		}
	}()

	go func() {
		defer close(updates)

		if err := watcher.Run(ctx); err != nil {
			klog.Errorf("Storage watcher stopped: %+v", err)
		}
	}()
}

func main() {
	var configFile, listenAddr string

	flag.StringVar(&configFile, "config", "", "Path to the manager configuration file (YAML)")
	flag.StringVar(&listenAddr, "listen", "", "Listen address, host:port or unix:<path> (overrides config)")
	klog.InitFlags(nil)

	flag.Parse()

	opts := getOptionsByYAML(configFile)
	if listenAddr != "" {
		opts.Listen = listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fifo := scheduler.NewFIFO(scheduler.NopExecutor{}, opts.QueueDepth, klog.Background())
	go fifo.Run(ctx)

	aieManager, err := aie.NewManager(opts.Partitions, klog.Background())
	if err != nil {
		klog.Fatalf("Invalid partition config: %+v", err)
	}

	device, err := fabric.NewDevice(fabric.Config{
		SlotCount:       opts.SlotCount,
		JournalCapacity: opts.JournalCapacity,
		Scheduler:       fifo,
		Aie:             aieManager,
	})
	if err != nil {
		klog.Fatalf("Device setup failed: %+v", err)
	}

	watchStore(ctx, bitstream.NewStore(opts.StoreDir))

	lis, err := listen(opts.Listen)
	if err != nil {
		klog.Fatalf("failed to listen: %v", err)
	}

	server := &http.Server{Handler: control.NewServer(device)}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	go func() {
		<-c
		klog.V(2).Info("Interrupt received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Shutdown failed: %+v", err)
		}

		cancel()
	}()

	klog.Infof("server listening at %v", lis.Addr())

	if err := server.Serve(lis); err != http.ErrServerClosed {
		klog.Fatalf("failed to serve: %v", err)
	}
}
