// Package live pushes telemetry, battery, link and special response events
// to websocket clients and serves recording export over HTTP.
package live

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const modName string = "live"

const (
	DefaultClientBuffer    = 64
	defaultBroadcastBuffer = 256
)

type Stat struct {
	Clients int32
	Sent    uint32
	Dropped uint32 // broadcast buffer full
	Slow    uint32 // clients kicked for full send buffer
}

// Hub maintains the set of active clients and broadcasts messages.
// All client set changes happen in Run goroutine.
type Hub struct {
	Log *log2.Log

	alive        *alive.Alive
	rec          *recorder.Recorder
	fallback     recorder.Geometry
	clientBuffer int
	upgrader     websocket.Upgrader
	stat         Stat

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

var _ control.Sink = &Hub{}

// NewHub rec is used for rotor geometry of derived metrics, may be nil.
func NewHub(log *log2.Log, rec *recorder.Recorder) *Hub {
	g, _ := recorder.DefaultGeometrySettings().Resolve()
	return &Hub{
		Log:          log,
		alive:        alive.NewAlive(),
		rec:          rec,
		fallback:     g,
		clientBuffer: DefaultClientBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// live view is served to local tools, not browsers of strangers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, defaultBroadcastBuffer),
	}
}

func (self *Hub) Start() {
	if self.alive.Add(1) {
		go self.run()
	}
}

// Stop disconnects all clients and waits for hub goroutine.
func (self *Hub) Stop() {
	self.alive.Stop()
	self.alive.Wait()
}

func (self *Hub) Stat() Stat {
	return Stat{
		Clients: atomic.LoadInt32(&self.stat.Clients),
		Sent:    atomic.LoadUint32(&self.stat.Sent),
		Dropped: atomic.LoadUint32(&self.stat.Dropped),
		Slow:    atomic.LoadUint32(&self.stat.Slow),
	}
}

func (self *Hub) run() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case c := <-self.register:
			self.clients[c] = struct{}{}
			atomic.StoreInt32(&self.stat.Clients, int32(len(self.clients)))
			self.Log.Debugf("%s client registered addr=%s", modName, c.addr())

		case c := <-self.unregister:
			self.remove(c)

		case msg := <-self.broadcast:
			for c := range self.clients {
				select {
				case c.send <- msg:
					atomic.AddUint32(&self.stat.Sent, 1)
				default:
					self.Log.Infof("%s client addr=%s send buffer full, removing", modName, c.addr())
					atomic.AddUint32(&self.stat.Slow, 1)
					self.remove(c)
				}
			}

		case <-stopch:
			for c := range self.clients {
				self.remove(c)
			}
			return
		}
	}
}

func (self *Hub) remove(c *client) {
	if _, ok := self.clients[c]; !ok {
		return
	}
	delete(self.clients, c)
	close(c.send)
	atomic.StoreInt32(&self.stat.Clients, int32(len(self.clients)))
	self.Log.Debugf("%s client unregistered addr=%s", modName, c.addr())
}

// Broadcast never blocks, event is dropped when hub is behind.
func (self *Hub) Broadcast(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		self.Log.Errorf("%s marshal type=%s err=%v", modName, e.Type, err)
		return
	}
	select {
	case self.broadcast <- b:
	default:
		atomic.AddUint32(&self.stat.Dropped, 1)
	}
}

func (self *Hub) geometry() recorder.Geometry {
	if self.rec == nil {
		return self.fallback
	}
	return self.rec.Geometry()
}

func (self *Hub) OnTelemetry(t protocol.Telemetry) {
	self.Broadcast(dataEvent(t, self.geometry(), time.Now()))
}
func (self *Hub) OnBattery(e control.BatteryEvent) { self.Broadcast(batteryEvent(e, time.Now())) }
func (self *Hub) OnLink(e control.LinkEvent)       { self.Broadcast(linkEvent(e)) }
func (self *Hub) OnResponse(r protocol.SpecialResponse) {
	self.Broadcast(responseEvent(r, time.Now()))
}

// ServeHTTP upgrades to websocket and streams events until client leaves or hub stops.
func (self *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !self.alive.IsRunning() {
		http.Error(w, "live hub stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with error status
		self.Log.Debugf("%s upgrade err=%v", modName, err)
		return
	}
	c := &client{hub: self, conn: conn, send: make(chan []byte, self.clientBuffer)}
	select {
	case self.register <- c:
	case <-self.alive.StopChan():
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
