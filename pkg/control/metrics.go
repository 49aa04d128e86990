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

package control

import (
	"net/http"
	"strconv"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"k8s.io/klog/v2"

	"github.com/accelfabric/fabric-device-manager/pkg/fabric"
)

// metrics serves the device status as prometheus text exposition. The
// families are rebuilt from a status snapshot on every scrape; nothing is
// accumulated in the control layer.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	families := metricFamilies(s.gateway.Status())

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	encoder := expfmt.NewEncoder(w, format)

	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			klog.Errorf("metrics encoding failed: %v", err)
			return
		}
	}
}

func metricFamilies(status fabric.DeviceStatus) []*io_prometheus_client.MetricFamily {
	clients := gaugeFamily("fabric_clients", "Open client handles.")
	addGauge(clients, float64(status.Clients))

	contexts := gaugeFamily("fabric_hardware_contexts", "Live hardware contexts on the device.")
	addGauge(contexts, float64(status.Contexts))

	generation := gaugeFamily("fabric_slot_generation", "Successful bitstream loads of the slot, 0 while empty.")
	liveContexts := gaugeFamily("fabric_slot_live_contexts", "Live hardware contexts bound to the slot.")
	pending := gaugeFamily("fabric_slot_pending_commands", "Commands admitted to the slot and not yet drained.")
	stale := gaugeFamily("fabric_slot_stale_commands", "Undrained commands tagged with a superseded generation.")

	for _, slot := range status.Slots {
		id := strconv.Itoa(slot.ID)

		addGauge(generation, float64(slot.Generation), "slot", id)
		addGauge(liveContexts, float64(slot.LiveContexts), "slot", id)
		addGauge(pending, float64(slot.PendingCommands), "slot", id)
		addGauge(stale, float64(slot.StaleCommands), "slot", id)
	}

	frequency := gaugeFamily("fabric_aie_partition_frequency_mhz", "Current clock of the AI engine partition.")
	handles := gaugeFamily("fabric_aie_partition_open_handles", "Outstanding handles on the AI engine partition.")

	for _, partition := range status.Partitions {
		id := strconv.Itoa(partition.ID)

		addGauge(frequency, float64(partition.FreqMHz), "partition", id)
		addGauge(handles, float64(partition.OpenHandles), "partition", id)
	}

	families := []*io_prometheus_client.MetricFamily{
		clients, contexts, generation, liveContexts, pending, stale, frequency, handles,
	}

	// The text encoder rejects empty families, and the partition families
	// are empty on devices without an AI engine.
	populated := families[:0]

	for _, family := range families {
		if len(family.Metric) > 0 {
			populated = append(populated, family)
		}
	}

	return populated
}

func gaugeFamily(name, help string) *io_prometheus_client.MetricFamily {
	return &io_prometheus_client.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: io_prometheus_client.MetricType_GAUGE.Enum(),
	}
}

// addGauge appends one gauge sample; labels come as name, value pairs.
func addGauge(family *io_prometheus_client.MetricFamily, value float64, labels ...string) {
	metric := &io_prometheus_client.Metric{
		Gauge: &io_prometheus_client.Gauge{Value: proto.Float64(value)},
	}

	for i := 0; i+1 < len(labels); i += 2 {
		metric.Label = append(metric.Label, &io_prometheus_client.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}

	family.Metric = append(family.Metric, metric)
}
