package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"gopkg.in/yaml.v3"
)

// orderEntry is one captured order in an enqueue file.
type orderEntry struct {
	Order orders.Order  `yaml:"order"`
	Items []orders.Item `yaml:"items"`
}

type orderFile struct {
	Orders []orderEntry `yaml:"orders"`
}

// readOrderFile decodes an enqueue file. JSON input is accepted as YAML with the same keys.
// Restaurant and device default to the running device; status defaults to new.
func readOrderFile(reader io.Reader, restaurantID, deviceID string) ([]orderEntry, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var file orderFile
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("order file is empty")
		}
		return nil, fmt.Errorf("decode order file: %w", err)
	}
	if len(file.Orders) == 0 {
		return nil, fmt.Errorf("order file lists no orders")
	}
	for index := range file.Orders {
		order := &file.Orders[index].Order
		order.Kind = orders.KindOrder
		if strings.TrimSpace(order.RestaurantID) == "" {
			order.RestaurantID = restaurantID
		}
		if strings.TrimSpace(order.DeviceID) == "" {
			order.DeviceID = deviceID
		}
		if strings.TrimSpace(order.Status) == "" {
			order.Status = orders.OrderStatusNew
		}
	}
	return file.Orders, nil
}
