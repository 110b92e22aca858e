// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env-default:"prod"`
	StorageConnectionString string `yaml:"storage_connection_string"`
	RabbitConnectionString  string `yaml:"rabbit_connection_string"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	SessionToken            `yaml:"session_token"`
	Apple                   `yaml:"apple"`
	Google                  `yaml:"google"`
	Products                `yaml:"products"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// SessionToken структура для выпуска токенов сессии
type SessionToken struct {
	SecretKey string        `yaml:"secret_key" env:"SESSION_SECRET_KEY"`
	TokenTTL  time.Duration `yaml:"token_ttl" env-default:"12h"`
}

// Apple структура с учётными данными App Store Server API
type Apple struct {
	KeyID          string `yaml:"key_id" env:"APPLE_KEY_ID"`
	IssuerID       string `yaml:"issuer_id" env:"APPLE_ISSUER_ID"`
	BundleID       string `yaml:"bundle_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Google структура с учётными данными Google Play Developer API
type Google struct {
	ServiceAccountPath string `yaml:"service_account_path"`
	PackageName        string `yaml:"package_name"`
}

// Products структура с SKU подписок, настроенных в магазинах
type Products struct {
	MonthlySKU string `yaml:"monthly_sku"`
	YearlySKU  string `yaml:"yearly_sku"`
}

// MustLoad функция для загрузки конфига, путь берётся из переменной CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}
