// Package bluez implements link.Transport over BlueZ D-Bus API (Linux).
package bluez

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
)

const modName string = "bluez"

const (
	busName            = "org.bluez"
	ifaceAdapter       = "org.bluez.Adapter1"
	ifaceDevice        = "org.bluez.Device1"
	ifaceService       = "org.bluez.GattService1"
	ifaceChar          = "org.bluez.GattCharacteristic1"
	ifaceProps         = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	matchPropertiesChanged = "type='signal',sender='org.bluez',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'"
)

const (
	DefaultScanTimeout    = 20 * time.Second
	DefaultResolveTimeout = 10 * time.Second
	pollInterval          = 300 * time.Millisecond
)

type Config struct {
	Adapter        string // e.g. "hci0", empty means first found
	NamePrefixes   []string
	ServiceUUID    string
	ScanTimeout    time.Duration
	ResolveTimeout time.Duration
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type propsHandler func(changed map[string]dbus.Variant)

type handlerKey struct {
	path  dbus.ObjectPath
	iface string
}

type Transport struct {
	Log *log2.Log

	config  Config
	conn    *dbus.Conn
	alive   *alive.Alive
	sigch   chan *dbus.Signal
	mu      sync.Mutex
	paths   map[string]dbus.ObjectPath // device id -> object path
	routes  map[handlerKey]map[int]propsHandler
	routeId int
}

var _ link.Transport = &Transport{}

func New(log *log2.Log, config Config) (*Transport, error) {
	if len(config.NamePrefixes) == 0 {
		config.NamePrefixes = protocol.DefaultNamePrefixes()
	}
	if config.ServiceUUID == "" {
		config.ServiceUUID = protocol.ServiceUUID
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = DefaultScanTimeout
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = DefaultResolveTimeout
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Annotate(err, "dbus system bus")
	}
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchPropertiesChanged); call.Err != nil {
		return nil, errors.Annotate(call.Err, "dbus AddMatch")
	}
	self := &Transport{
		Log:    log,
		config: config,
		conn:   conn,
		alive:  alive.NewAlive(),
		sigch:  make(chan *dbus.Signal, 64),
		paths:  make(map[string]dbus.ObjectPath),
		routes: make(map[handlerKey]map[int]propsHandler),
	}
	conn.Signal(self.sigch)
	self.alive.Add(1)
	go self.dispatch()
	return self, nil
}

func (self *Transport) Close() error {
	self.alive.Stop()
	self.conn.RemoveSignal(self.sigch)
	self.alive.Wait()
	return nil
}

func (self *Transport) dispatch() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case sig := <-self.sigch:
			self.route(sig)
		case <-stopch:
			return
		}
	}
}

func (self *Transport) route(sig *dbus.Signal) {
	if sig == nil || sig.Name != ifaceProps+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	key := handlerKey{path: sig.Path, iface: iface}
	self.mu.Lock()
	hs := make([]propsHandler, 0, len(self.routes[key]))
	for _, h := range self.routes[key] {
		hs = append(hs, h)
	}
	self.mu.Unlock()
	for _, h := range hs {
		h(changed)
	}
}

func (self *Transport) addRoute(path dbus.ObjectPath, iface string, h propsHandler) link.Subscription {
	key := handlerKey{path: path, iface: iface}
	self.mu.Lock()
	defer self.mu.Unlock()
	id := self.routeId
	self.routeId++
	if self.routes[key] == nil {
		self.routes[key] = make(map[int]propsHandler)
	}
	self.routes[key][id] = h
	return link.SubscriptionFunc(func() error {
		self.mu.Lock()
		delete(self.routes[key], id)
		if len(self.routes[key]) == 0 {
			delete(self.routes, key)
		}
		self.mu.Unlock()
		return nil
	})
}

func (self *Transport) managed(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	err := self.conn.Object(busName, "/").CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).Store(&objects)
	return objects, errors.Annotate(err, "GetManagedObjects")
}

// Select scans until device with matching name prefix or service UUID shows up.
func (self *Transport) Select(ctx context.Context) (link.Device, error) {
	objects, err := self.managed(ctx)
	if err != nil {
		return link.Device{}, err
	}
	adapterPath, err := findAdapter(objects, self.config.Adapter)
	if err != nil {
		return link.Device{}, err
	}
	adapter := self.conn.Object(busName, adapterPath)
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Store(); err != nil {
		self.Log.Debugf("%s StartDiscovery err=%v", modName, err)
	}
	defer func() {
		if err := adapter.Call(ifaceAdapter+".StopDiscovery", 0).Store(); err != nil {
			self.Log.Debugf("%s StopDiscovery err=%v", modName, err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, self.config.ScanTimeout)
	defer cancel()
	for {
		if path, dev, ok := matchDevice(objects, adapterPath, self.config.NamePrefixes, self.config.ServiceUUID); ok {
			self.mu.Lock()
			self.paths[dev.Id] = path
			self.mu.Unlock()
			self.Log.Infof("%s selected device=%s path=%s", modName, dev, path)
			return dev, nil
		}
		if err := helpers.SleepCtx(ctx, pollInterval); err != nil {
			return link.Device{}, errors.Annotatef(err, "scan prefixes=%v", self.config.NamePrefixes)
		}
		if objects, err = self.managed(ctx); err != nil {
			return link.Device{}, err
		}
	}
}

func (self *Transport) devicePath(dev link.Device) (dbus.ObjectPath, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if p, ok := self.paths[dev.Id]; ok {
		return p, nil
	}
	return "", errors.NotFoundf("device=%s not selected", dev)
}

// Open connects and waits until BlueZ resolved GATT services.
func (self *Transport) Open(ctx context.Context, dev link.Device) (link.Conn, error) {
	path, err := self.devicePath(dev)
	if err != nil {
		return nil, err
	}
	obj := self.conn.Object(busName, path)
	if err := obj.CallWithContext(ctx, ifaceDevice+".Connect", 0).Store(); err != nil {
		return nil, errors.Annotatef(err, "Device1.Connect path=%s", path)
	}

	ctx, cancel := context.WithTimeout(ctx, self.config.ResolveTimeout)
	defer cancel()
	for {
		v, err := obj.GetProperty(ifaceDevice + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				break
			}
		}
		if err := helpers.SleepCtx(ctx, pollInterval); err != nil {
			return nil, errors.Annotatef(err, "services resolve path=%s", path)
		}
	}

	objects, err := self.managed(ctx)
	if err != nil {
		return nil, err
	}
	chars, err := findCharacteristics(objects, path, self.config.ServiceUUID)
	if err != nil {
		return nil, err
	}
	self.Log.Debugf("%s device=%s characteristics=%d", modName, dev, len(chars))
	return &conn{t: self, path: path, chars: chars}, nil
}

// Release drops OS connection possibly left from previous run.
func (self *Transport) Release(ctx context.Context, dev link.Device) error {
	path, err := self.devicePath(dev)
	if err != nil {
		return err
	}
	err = self.conn.Object(busName, path).CallWithContext(ctx, ifaceDevice+".Disconnect", 0).Store()
	return errors.Annotatef(err, "Device1.Disconnect path=%s", path)
}

type conn struct {
	t     *Transport
	path  dbus.ObjectPath
	chars map[link.Channel]dbus.ObjectPath
}

func (self *conn) Characteristic(ctx context.Context, ch link.Channel) (link.Characteristic, error) {
	p, ok := self.chars[ch]
	if !ok {
		return nil, errors.NotFoundf("characteristic uuid=%s", ch.UUID())
	}
	return &characteristic{t: self.t, ch: ch, obj: self.t.conn.Object(busName, p)}, nil
}

func (self *conn) OnDisconnect(fn func()) link.Subscription {
	return self.t.addRoute(self.path, ifaceDevice, func(changed map[string]dbus.Variant) {
		if v, ok := changed["Connected"]; ok {
			if connected, _ := v.Value().(bool); !connected {
				fn()
			}
		}
	})
}

func (self *conn) Close() error {
	err := self.t.conn.Object(busName, self.path).Call(ifaceDevice+".Disconnect", 0).Store()
	return errors.Annotatef(err, "Device1.Disconnect path=%s", self.path)
}

type characteristic struct {
	t   *Transport
	ch  link.Channel
	obj dbus.BusObject
}

func (self *characteristic) Write(ctx context.Context, b []byte) error {
	return self.obj.CallWithContext(ctx, ifaceChar+".WriteValue", 0, b, map[string]interface{}{}).Store()
}

func (self *characteristic) Subscribe(ctx context.Context, fn func([]byte)) (link.Subscription, error) {
	route := self.t.addRoute(self.obj.Path(), ifaceChar, func(changed map[string]dbus.Variant) {
		if v, ok := changed["Value"]; ok {
			if b, ok := v.Value().([]byte); ok {
				fn(b)
			}
		}
	})
	if err := self.obj.CallWithContext(ctx, ifaceChar+".StartNotify", 0).Store(); err != nil {
		_ = route.Cancel()
		return nil, errors.Annotatef(err, "StartNotify channel=%s", self.ch)
	}
	return link.SubscriptionFunc(func() error {
		_ = route.Cancel()
		err := self.obj.Call(ifaceChar+".StopNotify", 0).Store()
		return errors.Annotatef(err, "StopNotify channel=%s", self.ch)
	}), nil
}

func findAdapter(objects managedObjects, name string) (dbus.ObjectPath, error) {
	var found dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[ifaceAdapter]; !ok {
			continue
		}
		if name == "" || strings.HasSuffix(string(path), "/"+name) {
			if found == "" || path < found {
				found = path
			}
		}
	}
	if found == "" {
		return "", errors.NotFoundf("bluetooth adapter=%q", name)
	}
	return found, nil
}

func matchDevice(objects managedObjects, adapter dbus.ObjectPath, prefixes []string, serviceUUID string) (dbus.ObjectPath, link.Device, bool) {
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		if a, _ := props["Adapter"].Value().(dbus.ObjectPath); a != adapter {
			continue
		}
		name, _ := props["Name"].Value().(string)
		address, _ := props["Address"].Value().(string)
		dev := link.Device{Id: address, Name: name, Address: address}
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(name, prefix) {
				return path, dev, true
			}
		}
		uuids, _ := props["UUIDs"].Value().([]string)
		for _, u := range uuids {
			if strings.EqualFold(u, serviceUUID) {
				return path, dev, true
			}
		}
	}
	return "", link.Device{}, false
}

func findCharacteristics(objects managedObjects, device dbus.ObjectPath, serviceUUID string) (map[link.Channel]dbus.ObjectPath, error) {
	var service dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceService]
		if !ok {
			continue
		}
		d, _ := props["Device"].Value().(dbus.ObjectPath)
		u, _ := props["UUID"].Value().(string)
		if d == device && strings.EqualFold(u, serviceUUID) {
			service = path
			break
		}
	}
	if service == "" {
		return nil, errors.NotFoundf("service uuid=%s device=%s", serviceUUID, device)
	}
	chars := make(map[link.Channel]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceChar]
		if !ok {
			continue
		}
		if s, _ := props["Service"].Value().(dbus.ObjectPath); s != service {
			continue
		}
		u, _ := props["UUID"].Value().(string)
		if ch, ok := link.ChannelByUUID(strings.ToLower(u)); ok {
			chars[ch] = path
		}
	}
	return chars, nil
}
