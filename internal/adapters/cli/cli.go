// Package cli — интерактивная командная консоль оператора шлюза.
// Сервис стартует фоном, читает команды из readline и работает напрямую
// с пулом мостов и реестром: сводка здоровья, список привязок, прогрев
// кэшей, сброс ошибок и снятие flood-карантина без похода в дашборд.
// Корректно интегрируется в lifecycle: Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/pr"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/pool"
)

const (
	// queryTimeOut ограничивает запросы к реестру из консоли.
	queryTimeOut = 5 * time.Second
	// reloadTimeOut покрывает прогрев кэша диалогов всех мостов.
	reloadTimeOut = 120 * time.Second

	// defaultListLimit — сколько строк печатают chats и ops без аргумента.
	defaultListLimit = 20
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Per-service health summary and registry totals"},
	{name: "accounts", description: "List bridges with status, errors and flood state"},
	{name: "chats", description: "Recent chat assignments: chats [N]"},
	{name: "ops", description: "Recent operations log: ops [N]"},
	{name: "reload", description: "Warm up entity caches: reload [account]"},
	{name: "reset", description: "Reset error counters: reset <account>"},
	{name: "clear", description: "Lift flood quarantine: clear <account>"},
	{name: "dump", description: "Pretty-print full bridge snapshots: dump <account>"},
	{name: "exit", description: "Stop CLI and terminate the gateway"},
}

// Service инкапсулирует консоль и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	pool    *pool.Pool
	reg     *registry.Registry
	stopApp context.CancelFunc // внешняя остановка приложения (exit, Ctrl-C на пустой строке)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль оператора. Параметр stopApp используется как
// «глобальная» остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(p *pool.Pool, reg *registry.Registry, stopApp context.CancelFunc) *Service {
	return &Service{pool: p, reg: reg, stopApp: stopApp}
}

// Start запускает основной цикл консоли в отдельной горутине. Повторные
// вызовы безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает консоль: прерывает readline, отменяет локальный контекст
// и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл: печатает подсказки, ставит обработчики клавиш и
// читает команды построчно до отмены контекста или EOF от readline.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("Gateway console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую строку на команду и аргументы.
// Возвращает true, если команда инициирует завершение консоли ("exit").
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "accounts":
		s.handleAccounts()
	case "chats":
		s.handleChats(args)
	case "ops":
		s.handleOps(args)
	case "reload":
		s.handleReload(args)
	case "reset":
		s.handleReset(args)
	case "clear":
		s.handleClear(args)
	case "dump":
		s.handleDump(args)
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

// handleStatus печатает сводку по сервисам и агрегаты реестра.
func (s *Service) handleStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeOut)
	defer cancel()

	for _, service := range config.ServiceNames() {
		healthy := len(s.pool.Healthy(service))
		total := len(s.pool.Bridges(service))
		pr.Printf("%-12s %d/%d healthy, cache=%d\n", service, healthy, total, s.pool.CacheSize(service))
	}

	stats, err := s.reg.CollectStats(ctx)
	if err != nil {
		pr.ErrPrintln("registry stats error:", err)
		return
	}
	pr.Printf("Active chats: %d, operations: %d, errors: %d, failovers: %d\n",
		stats.ActiveChats, stats.TotalOperations, stats.TotalErrors, stats.TotalFailovers)

	if pending, err := s.reg.PendingFailedCount(ctx); err == nil && pending > 0 {
		pr.Printf("Pending failed requests: %d\n", pending)
	}
}

// handleAccounts печатает мосты по сервисам: статус, ошибки, flood.
func (s *Service) handleAccounts() {
	snaps := s.pool.AllSnapshots()
	services := make([]string, 0, len(snaps))
	for service := range snaps {
		services = append(services, service)
	}
	sort.Strings(services)

	for _, service := range services {
		pr.Printf("%s:\n", service)
		for _, sn := range snaps[service] {
			flood := ""
			if sn.FloodRemaining > 0 {
				flood = fmt.Sprintf(" flood=%ds", sn.FloodRemaining)
			}
			lastErr := ""
			if sn.LastError != "" {
				lastErr = " last_error=" + sn.LastError
			}
			pr.Printf("  %-12s %-10s errors=%d ops=%d%s%s\n",
				sn.Name, sn.Status, sn.ErrorCount, sn.OperationsCount, flood, lastErr)
		}
	}
}

// handleChats печатает последние привязки чатов к аккаунтам.
func (s *Service) handleChats(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeOut)
	defer cancel()

	assignments, err := s.reg.Assignments(ctx, argLimit(args, defaultListLimit))
	if err != nil {
		pr.ErrPrintln("chats error:", err)
		return
	}
	if len(assignments) == 0 {
		pr.Println("No chat assignments yet.")
		return
	}
	for _, a := range assignments {
		title := a.Title
		if title == "" {
			title = "<untitled>"
		}
		pr.Printf("%-16s -> %-12s %-8s %s\n", a.ChatID, a.AccountName, a.Status, title)
	}
	pr.Printf("Total: %d\n", len(assignments))
}

// handleOps печатает хвост журнала операций.
func (s *Service) handleOps(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeOut)
	defer cancel()

	ops, err := s.reg.RecentOperations(ctx, argLimit(args, defaultListLimit))
	if err != nil {
		pr.ErrPrintln("ops error:", err)
		return
	}
	if len(ops) == 0 {
		pr.Println("No operations logged yet.")
		return
	}
	for _, op := range ops {
		ts := time.Unix(int64(op.TS), 0).Format("01-02 15:04:05")
		detail := ""
		if op.Detail != "" {
			detail = " " + op.Detail
		}
		pr.Printf("%s %-12s %-12s %-16s %s%s\n", ts, op.Operation, op.AccountName, op.ChatID, op.Status, detail)
	}
}

// handleReload прогревает кэши: без аргумента — все мосты, с аргументом —
// мосты одного аккаунта во всех сервисах.
func (s *Service) handleReload(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeOut)
	defer cancel()

	if len(args) == 0 {
		pr.Println("Reloading caches on all bridges...")
		if err := s.pool.ReloadAllCaches(ctx); err != nil {
			pr.ErrPrintln("reload error:", err)
			return
		}
		pr.Println("All caches reloaded.")
		return
	}

	account := args[0]
	bridges := s.pool.BridgesOf(account)
	if len(bridges) == 0 {
		pr.ErrPrintln("unknown account:", account)
		return
	}
	for _, b := range bridges {
		if err := b.WarmupCache(ctx); err != nil {
			pr.ErrPrintf("reload %s failed: %v\n", b.Key(), err)
			continue
		}
		pr.Printf("%s: cache=%d\n", b.Key(), b.Cache().Size())
	}
}

// handleReset сбрасывает счётчики ошибок всех мостов аккаунта.
func (s *Service) handleReset(args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: reset <account>")
		return
	}
	account := args[0]
	bridges := s.pool.BridgesOf(account)
	if len(bridges) == 0 {
		pr.ErrPrintln("unknown account:", account)
		return
	}
	for _, b := range bridges {
		b.Health().ResetErrors()
	}
	logger.Infof("CLI: error counters reset for %s", account)
	pr.Printf("Error counters reset for %s (%d bridges).\n", account, len(bridges))
}

// handleClear снимает flood-карантин с мостов аккаунта.
func (s *Service) handleClear(args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: clear <account>")
		return
	}
	account := args[0]
	bridges := s.pool.BridgesOf(account)
	if len(bridges) == 0 {
		pr.ErrPrintln("unknown account:", account)
		return
	}
	cleared := 0
	for _, b := range bridges {
		if b.Health().ClearFlood() {
			cleared++
		}
	}
	if cleared == 0 {
		pr.Println("Account is not in flood quarantine.")
		return
	}
	logger.Infof("CLI: flood quarantine lifted for %s", account)
	pr.Printf("Flood quarantine lifted on %d bridge(s) of %s.\n", cleared, account)
}

// handleDump печатает полные снапшоты мостов аккаунта в pretty-формате.
func (s *Service) handleDump(args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: dump <account>")
		return
	}
	account := args[0]
	bridges := s.pool.BridgesOf(account)
	if len(bridges) == 0 {
		pr.ErrPrintln("unknown account:", account)
		return
	}
	for _, b := range bridges {
		pr.PP(b.Snapshot())
	}
}

// argLimit разбирает необязательный числовой аргумент лимита.
func argLimit(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
		return v
	}
	return def
}

// joinCommandNames собирает строку имён команд через запятую для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
