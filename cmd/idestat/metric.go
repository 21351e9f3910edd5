// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {}

func outputMetrics(state Devices) {
	var (
		mDriveInfo = prometheus.NewDesc(
			"ide_drive_info",
			"Info metric regarding a probed IDE disk",
			[]string{"device", "model", "serial", "firmware"}, nil,
		)
		mDriveUp = prometheus.NewDesc(
			"ide_drive_identify_success",
			"Boolean describing whether IDENTIFY DEVICE succeeded for this device node",
			[]string{"device"}, nil,
		)
		mAddressableSectors = prometheus.NewDesc(
			"ide_drive_addressable_sectors",
			"Addressable sector count reported by IDENTIFY DEVICE",
			[]string{"device"}, nil,
		)
		mPartitionCount = prometheus.NewDesc(
			"ide_drive_partition_count",
			"Number of non-empty MBR partition table entries found",
			[]string{"device"}, nil,
		)
	)

	mc := &metricCollector{}
	for _, s := range state {
		up := float64(1)
		if s.Err != "" || s.Info == nil {
			up = 0
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mDriveUp, prometheus.GaugeValue, up, s.Device))
		if up == 0 {
			continue
		}

		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mDriveInfo, prometheus.GaugeValue, 1,
				s.Device, s.Info.Model, s.Info.Serial, s.Info.Firmware))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mAddressableSectors, prometheus.GaugeValue,
				float64(s.Info.AddressableSectorCount), s.Device))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mPartitionCount, prometheus.GaugeValue,
				float64(len(s.Partitions)), s.Device))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("failed to serialize metrics: %v", err)
		}
	}
}
