// Package accessory carries the identity a plug presents to
// controllers: name, maker, model, serial, and firmware revision.
package accessory

// Category is the accessory category advertised during pairing.
type Category uint8

// CategoryOutlet is the category for plug/outlet accessories.
const CategoryOutlet Category = 7

// Info identifies this accessory.
type Info struct {
	Name             string
	Manufacturer     string
	Model            string
	SerialNumber     string
	FirmwareRevision string
	Category         Category
}
