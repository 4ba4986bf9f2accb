package bluez

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/protocol"
)

type props = map[string]dbus.Variant

func testObjects() managedObjects {
	const dev = dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF")
	const svc = dev + "/service0010"
	objects := managedObjects{
		"/org/bluez/hci1": {ifaceAdapter: props{}},
		"/org/bluez/hci0": {ifaceAdapter: props{}},
		"/org/bluez/hci0/dev_11_22_33_44_55_66": {ifaceDevice: props{
			"Adapter": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0")),
			"Name":    dbus.MakeVariant("Headphones"),
			"Address": dbus.MakeVariant("11:22:33:44:55:66"),
		}},
		dev: {ifaceDevice: props{
			"Adapter": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci1")),
			"Name":    dbus.MakeVariant("ESC Meter 3"),
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"UUIDs":   dbus.MakeVariant([]string{strings.ToUpper(protocol.ServiceUUID)}),
		}},
		svc: {ifaceService: props{
			"Device": dbus.MakeVariant(dev),
			"UUID":   dbus.MakeVariant(protocol.ServiceUUID),
		}},
		// same characteristic uuid under foreign service is ignored
		"/org/bluez/hci0/dev_11_22_33_44_55_66/service0001/char0002": {ifaceChar: props{
			"Service": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66/service0001")),
			"UUID":    dbus.MakeVariant(protocol.CharDataUUID),
		}},
	}
	for ch := link.ChannelData; ch <= link.ChannelCommand; ch++ {
		path := svc + dbus.ObjectPath("/char00"+string(rune('a'+ch)))
		objects[path] = map[string]map[string]dbus.Variant{ifaceChar: {
			"Service": dbus.MakeVariant(svc),
			"UUID":    dbus.MakeVariant(strings.ToUpper(ch.UUID())),
		}}
	}
	return objects
}

func TestFindAdapter(t *testing.T) {
	t.Parallel()
	objects := testObjects()

	path, err := findAdapter(objects, "")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), path, "first adapter")
	path, err = findAdapter(objects, "hci1")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), path)
	_, err = findAdapter(objects, "hci7")
	assert.True(t, errors.IsNotFound(err))
}

func TestMatchDevice(t *testing.T) {
	t.Parallel()
	objects := testObjects()

	path, dev, ok := matchDevice(objects, "/org/bluez/hci1", []string{"Power Meter"}, protocol.ServiceUUID)
	require.True(t, ok, "matched by advertised service")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"), path)
	assert.Equal(t, link.Device{Id: "AA:BB:CC:DD:EE:FF", Name: "ESC Meter 3", Address: "AA:BB:CC:DD:EE:FF"}, dev)

	_, _, ok = matchDevice(objects, "/org/bluez/hci0", []string{"ESC Meter"}, protocol.ServiceUUID)
	assert.False(t, ok, "device on other adapter")
	_, dev, ok = matchDevice(objects, "/org/bluez/hci0", []string{"", "Head"}, "")
	require.True(t, ok, "matched by name prefix")
	assert.Equal(t, "Headphones", dev.Name)
}

func TestFindCharacteristics(t *testing.T) {
	t.Parallel()
	objects := testObjects()
	dev := dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF")

	chars, err := findCharacteristics(objects, dev, strings.ToUpper(protocol.ServiceUUID))
	require.NoError(t, err)
	assert.Len(t, chars, 4)
	assert.Equal(t, dev+"/service0010/char00a", chars[link.ChannelData])
	_, ok := chars[link.ChannelSpecialCommand]
	assert.False(t, ok, "optional channel absent")

	_, err = findCharacteristics(objects, "/org/bluez/hci0/dev_11_22_33_44_55_66", protocol.ServiceUUID)
	assert.True(t, errors.IsNotFound(err))
}
