package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies bus message metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}
	return Metadata(maps.Clone(map[string]string(md)))
}

// ToWatermill copies metadata onto a bus message map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}
	return message.Metadata(maps.Clone(map[string]string(metadata)))
}
